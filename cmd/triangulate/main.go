// Command triangulate reconstructs 3D world points from a posed camera array
// and synchronized 2D observations, writing the result as CSV. Observations
// can come from a CSV export or from a project database; past runs can be
// listed and re-exported from the database without re-solving.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/capture.report/internal/config"
	"github.com/banshee-data/capture.report/internal/mocap"
	"github.com/banshee-data/capture.report/internal/mocapdb"
	"github.com/banshee-data/capture.report/internal/monitoring"
	"github.com/banshee-data/capture.report/internal/report"
	"github.com/banshee-data/capture.report/internal/version"
)

func main() {
	camerasIn := flag.String("cameras", "", "Camera array TOML (poses required)")
	pointsCSV := flag.String("points", "", "2D observations CSV (sync_index,port,point_id,img_loc_x,img_loc_y)")
	outCSV := flag.String("out", "", "Output 3D points CSV (sync_index,point_id,x_coord,y_coord,z_coord)")
	configPath := flag.String("config", "", "Optional tuning config JSON")
	dbPath := flag.String("db", "", "Optional sqlite project database to record the run")
	fromDB := flag.Bool("from-db", false, "Read observations from the project database instead of -points")
	history := flag.Int("history", 0, "List the most recent N runs in the project database and exit")
	exportRun := flag.String("export-run", "", "Write the stored world points of the given run id to -out and exit")
	reportDir := flag.String("report", "", "Optional directory for quality report output")
	verbose := flag.Bool("v", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("triangulate %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	monitoring.EnableDebug(*verbose)

	if *history > 0 || *exportRun != "" {
		if *dbPath == "" {
			fmt.Fprintln(os.Stderr, "triangulate: -history and -export-run need -db")
			os.Exit(2)
		}
		if err := runQuery(*dbPath, *history, *exportRun, *outCSV); err != nil {
			fmt.Fprintf(os.Stderr, "triangulate: %v\n", err)
			os.Exit(2)
		}
		return
	}

	if *camerasIn == "" || *outCSV == "" {
		fmt.Fprintln(os.Stderr, "triangulate: -cameras and -out are required")
		flag.Usage()
		os.Exit(2)
	}
	if *pointsCSV == "" && !(*fromDB && *dbPath != "") {
		fmt.Fprintln(os.Stderr, "triangulate: observations needed; pass -points, or -from-db with -db")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "triangulate: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *camerasIn, *pointsCSV, *outCSV, *dbPath, *fromDB, *reportDir); err != nil {
		fmt.Fprintf(os.Stderr, "triangulate: %v\n", err)
		if mocap.Fatal(err) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

// runQuery serves the database-only modes: run history and re-export.
func runQuery(dbPath string, history int, exportRun, outCSV string) error {
	db, err := mocapdb.NewDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if history > 0 {
		runs, err := db.Runs(history)
		if err != nil {
			return err
		}
		for i := range runs {
			fmt.Println(runs[i].String())
		}
		return nil
	}

	if outCSV == "" {
		return errors.New("-export-run needs -out")
	}
	points, err := db.WorldPoints(exportRun)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return fmt.Errorf("run %s has no stored world points", exportRun)
	}
	if err := mocap.WriteWorldPointsFile(outCSV, points); err != nil {
		return err
	}
	monitoring.Logf("exported %d points of run %s to %s", len(points), exportRun, outCSV)
	return nil
}

func run(ctx context.Context, cfg *config.TuningConfig, camerasIn, pointsCSV, outCSV, dbPath string, fromDB bool, reportDir string) error {
	arr, _, err := mocap.LoadCameraArray(camerasIn)
	if err != nil {
		return err
	}

	var db *mocapdb.DB
	if dbPath != "" {
		if db, err = mocapdb.NewDB(dbPath); err != nil {
			return err
		}
		defer db.Close()
	}

	var obs *mocap.ObservationSet
	if fromDB {
		if obs, err = db.Observations(); err != nil {
			return err
		}
		monitoring.Logf("loaded %d observations from %s", obs.Len(), dbPath)
	} else {
		if obs, err = mocap.ReadObservationsFile(pointsCSV); err != nil {
			return err
		}
	}

	opts := mocap.TriangulateOptions{
		UndistortIterations: cfg.GetUndistortIterations(),
		Workers:             cfg.GetTriangulateWorkers(),
	}
	progress := func(stage string, step, total int, value float64) {
		monitoring.Debugf("%s: %d/%d", stage, step, total)
	}

	res, err := mocap.TriangulateAll(ctx, arr, obs, opts, progress)
	if err != nil {
		return err
	}
	if res.State == mocap.RunCancelled {
		return errors.New("cancelled before completion; output not written")
	}

	if err := mocap.WriteWorldPointsFile(outCSV, res.Points); err != nil {
		return err
	}
	monitoring.Logf("wrote %d points to %s", len(res.Points), outCSV)

	if db != nil {
		if !fromDB {
			if err := db.RecordObservations(obs); err != nil {
				return err
			}
		}
		runID, err := db.RecordRun(mocapdb.Run{
			Kind:        "triangulation",
			State:       res.State.String(),
			CameraCount: int64(len(arr.PosedPorts())),
			PointCount:  int64(len(res.Points)),
		})
		if err != nil {
			return err
		}
		if err := db.RecordWorldPoints(runID, res.Points); err != nil {
			return err
		}
		monitoring.Logf("recorded run %s in %s", runID, dbPath)
	}

	if reportDir != "" {
		dir := report.MakeReportOutputDir(reportDir, pointsCSV)
		// Triangulated trajectories are arbitrary subjects, so no object
		// distance check applies here.
		n, err := report.Generate(dir, arr, obs, res.Points, nil)
		if err != nil {
			return err
		}
		monitoring.Logf("wrote %d plots to %s", n, dir)
	}

	return nil
}
