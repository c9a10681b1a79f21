// Package report produces post-run quality artifacts for a calibration or
// triangulation pass: a text summary plus per-camera reprojection residual
// plots for visual inspection.
package report

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/capture.report/internal/mocap"
)

// Residual is one observation's reprojection error in pixels.
type Residual struct {
	Port      int
	SyncIndex int
	PointID   int
	DX        float64
	DY        float64
}

// Norm returns the residual magnitude.
func (r Residual) Norm() float64 {
	return math.Hypot(r.DX, r.DY)
}

// ComputeResiduals projects the reconstructed 3D points back through each
// posed camera and diffs against the matching 2D observations. Observations
// with no reconstructed point, or whose camera is unposed or behind the
// point, are skipped.
func ComputeResiduals(arr *mocap.CameraArray, obs *mocap.ObservationSet, points []mocap.WorldPoint) []Residual {
	byKey := make(map[mocap.ObsKey][3]float64, len(points))
	for _, p := range points {
		byKey[mocap.ObsKey{SyncIndex: p.SyncIndex, PointID: p.PointID}] = p.Pos()
	}

	var residuals []Residual
	for _, rec := range obs.Records() {
		cam, ok := arr.Cameras[rec.Port]
		if !ok || !cam.Posed() {
			continue
		}
		world, ok := byKey[mocap.ObsKey{SyncIndex: rec.SyncIndex, PointID: rec.PointID}]
		if !ok {
			continue
		}
		px, py, visible := cam.Project(world)
		if !visible {
			continue
		}
		residuals = append(residuals, Residual{
			Port:      rec.Port,
			SyncIndex: rec.SyncIndex,
			PointID:   rec.PointID,
			DX:        px - rec.X,
			DY:        py - rec.Y,
		})
	}
	return residuals
}

// CameraSummary aggregates residual statistics for one camera.
type CameraSummary struct {
	Port  int
	Count int
	RMSE  float64
	P95   float64
	Max   float64
}

// Summarize groups residuals per camera, ordered by port.
func Summarize(residuals []Residual) []CameraSummary {
	type acc struct {
		sumSq float64
		norms []float64
	}
	byPort := make(map[int]*acc)
	for _, r := range residuals {
		a := byPort[r.Port]
		if a == nil {
			a = &acc{}
			byPort[r.Port] = a
		}
		a.sumSq += r.DX*r.DX + r.DY*r.DY
		a.norms = append(a.norms, r.Norm())
	}

	ports := make([]int, 0, len(byPort))
	for port := range byPort {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	summaries := make([]CameraSummary, 0, len(ports))
	for _, port := range ports {
		a := byPort[port]
		sort.Float64s(a.norms)
		summaries = append(summaries, CameraSummary{
			Port:  port,
			Count: len(a.norms),
			RMSE:  math.Sqrt(a.sumSq / float64(len(a.norms))),
			P95:   stat.Quantile(0.95, stat.Empirical, a.norms, nil),
			Max:   a.norms[len(a.norms)-1],
		})
	}
	return summaries
}

// DistanceStats compares reconstructed inter-landmark distances against the
// known geometry of the calibration object, pooled across all sync indexes
// where two object landmarks were both reconstructed.
type DistanceStats struct {
	Pairs      int
	MeanAbsErr float64
	MaxAbsErr  float64
}

// CheckDistances measures world-unit distance accuracy against the object.
func CheckDistances(object *mocap.CalibrationObject, points []mocap.WorldPoint) DistanceStats {
	bySync := make(map[int][]mocap.WorldPoint)
	for _, p := range points {
		if _, ok := object.Points[p.PointID]; ok {
			bySync[p.SyncIndex] = append(bySync[p.SyncIndex], p)
		}
	}

	var errs []float64
	var maxErr float64
	for _, pts := range bySync {
		for i := 0; i < len(pts); i++ {
			for j := i + 1; j < len(pts); j++ {
				want, ok := object.Distance(pts[i].PointID, pts[j].PointID)
				if !ok {
					continue
				}
				dx := pts[i].X - pts[j].X
				dy := pts[i].Y - pts[j].Y
				dz := pts[i].Z - pts[j].Z
				got := math.Sqrt(dx*dx + dy*dy + dz*dz)
				e := math.Abs(got - want)
				errs = append(errs, e)
				if e > maxErr {
					maxErr = e
				}
			}
		}
	}
	if len(errs) == 0 {
		return DistanceStats{}
	}
	return DistanceStats{
		Pairs:      len(errs),
		MeanAbsErr: stat.Mean(errs, nil),
		MaxAbsErr:  maxErr,
	}
}

// OverallRMSE computes the root mean square residual in pixels across all
// cameras. The mean runs over observations, each contributing dx^2+dy^2, the
// same convention the bundle adjustment reports.
func OverallRMSE(residuals []Residual) float64 {
	if len(residuals) == 0 {
		return 0
	}
	var sumSq float64
	for _, r := range residuals {
		sumSq += r.DX*r.DX + r.DY*r.DY
	}
	return math.Sqrt(sumSq / float64(len(residuals)))
}

// WriteSummary renders the per-camera table as text.
func WriteSummary(w io.Writer, residuals []Residual) error {
	if _, err := fmt.Fprintf(w, "overall rmse: %.4f px over %d observations\n\n", OverallRMSE(residuals), len(residuals)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%-6s %8s %10s %10s %10s\n", "port", "obs", "rmse(px)", "p95(px)", "max(px)"); err != nil {
		return err
	}
	for _, s := range Summarize(residuals) {
		if _, err := fmt.Fprintf(w, "%-6d %8d %10.4f %10.4f %10.4f\n", s.Port, s.Count, s.RMSE, s.P95, s.Max); err != nil {
			return err
		}
	}
	return nil
}

// Generate writes the full report into outputDir: summary.txt, one residual
// scatter per camera, and a residual-over-time plot. When object is non-nil
// the summary includes a distance-accuracy check against its geometry.
// Returns the number of plot files written.
func Generate(outputDir string, arr *mocap.CameraArray, obs *mocap.ObservationSet, points []mocap.WorldPoint, object *mocap.CalibrationObject) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	residuals := ComputeResiduals(arr, obs, points)

	f, err := os.Create(filepath.Join(outputDir, "summary.txt"))
	if err != nil {
		return 0, err
	}
	if err := WriteSummary(f, residuals); err != nil {
		f.Close()
		return 0, err
	}
	if object != nil {
		if ds := CheckDistances(object, points); ds.Pairs > 0 {
			if _, err := fmt.Fprintf(f, "\ndistance check: %d pairs, mean abs error %.3f, max %.3f (world units)\n",
				ds.Pairs, ds.MeanAbsErr, ds.MaxAbsErr); err != nil {
				f.Close()
				return 0, err
			}
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	byPort := make(map[int][]Residual)
	for _, r := range residuals {
		byPort[r.Port] = append(byPort[r.Port], r)
	}
	ports := make([]int, 0, len(byPort))
	for port := range byPort {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	plotCount := 0
	for _, port := range ports {
		file := filepath.Join(outputDir, fmt.Sprintf("port_%02d_residuals.png", port))
		if err := scatterPlot(file, port, byPort[port]); err != nil {
			return plotCount, fmt.Errorf("port %d: %w", port, err)
		}
		plotCount++
	}

	if len(residuals) > 0 {
		file := filepath.Join(outputDir, "residuals_over_time.png")
		if err := timePlot(file, ports, byPort); err != nil {
			return plotCount, err
		}
		plotCount++
	}

	return plotCount, nil
}

// scatterPlot draws the (dx, dy) residual cloud for one camera.
func scatterPlot(file string, port int, residuals []Residual) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Port %d - Reprojection Residuals", port)
	p.X.Label.Text = "dx (px)"
	p.Y.Label.Text = "dy (px)"

	pts := make(plotter.XYs, 0, len(residuals))
	for _, r := range residuals {
		pts = append(pts, plotter.XY{X: r.DX, Y: r.DY})
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	scatter.GlyphStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(scatter)

	return p.Save(6*vg.Inch, 6*vg.Inch, file)
}

// timePlot draws per-sync-index RMSE, one line per camera.
func timePlot(file string, ports []int, byPort map[int][]Residual) error {
	p := plot.New()
	p.Title.Text = "Per-Frame Reprojection RMSE"
	p.X.Label.Text = "Sync Index"
	p.Y.Label.Text = "RMSE (px)"

	colors := generateColors(len(ports))
	for i, port := range ports {
		bySync := make(map[int][]float64)
		for _, r := range byPort[port] {
			bySync[r.SyncIndex] = append(bySync[r.SyncIndex], r.DX*r.DX+r.DY*r.DY)
		}
		syncs := make([]int, 0, len(bySync))
		for s := range bySync {
			syncs = append(syncs, s)
		}
		sort.Ints(syncs)

		pts := make(plotter.XYs, 0, len(syncs))
		for _, s := range syncs {
			var sumSq float64
			for _, sq := range bySync[s] {
				sumSq += sq
			}
			rmse := math.Sqrt(sumSq / float64(len(bySync[s])))
			pts = append(pts, plotter.XY{X: float64(s), Y: rmse})
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("port %d", port), line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(14*vg.Inch, 6*vg.Inch, file)
}

// generateColors creates a palette of distinct colors for per-camera lines.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

// FormatTimestamp generates a timestamp string for directory naming.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MakeReportOutputDir builds a timestamped report directory under baseDir,
// named after the source file when one is given.
func MakeReportOutputDir(baseDir, sourceFile string) string {
	ts := FormatTimestamp(time.Now())
	if sourceFile != "" {
		base := filepath.Base(sourceFile)
		ext := filepath.Ext(base)
		name := base[:len(base)-len(ext)]
		return filepath.Join(baseDir, name, ts)
	}
	return filepath.Join(baseDir, "run_"+ts)
}
