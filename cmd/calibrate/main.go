// Command calibrate estimates camera array extrinsics from synchronized 2D
// observations of a known calibration object and writes the posed array back
// out as TOML.
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
	camerasIn := flag.String("cameras", "", "Input camera array TOML (intrinsics required)")
	camerasOut := flag.String("out", "", "Output camera array TOML (defaults to overwriting input)")
	pointsCSV := flag.String("points", "", "2D observations CSV (sync_index,port,point_id,img_loc_x,img_loc_y)")
	frameTimesCSV := flag.String("frame-times", "", "Optional frame times CSV (port,frame_time); observations are then keyed by frame index and synchronized first")
	configPath := flag.String("config", "", "Optional tuning config JSON")
	dbPath := flag.String("db", "", "Optional sqlite project database to record the run")
	reportDir := flag.String("report", "", "Optional directory for quality report output")
	verbose := flag.Bool("v", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("calibrate %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *camerasIn == "" || *pointsCSV == "" {
		fmt.Fprintln(os.Stderr, "calibrate: -cameras and -points are required")
		flag.Usage()
		os.Exit(2)
	}
	monitoring.EnableDebug(*verbose)

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "calibrate: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *camerasIn, *camerasOut, *pointsCSV, *frameTimesCSV, *dbPath, *reportDir); err != nil {
		fmt.Fprintf(os.Stderr, "calibrate: %v\n", err)
		if mocap.Fatal(err) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg *config.TuningConfig, camerasIn, camerasOut, pointsCSV, frameTimesCSV, dbPath, reportDir string) error {
	arr, _, err := mocap.LoadCameraArray(camerasIn)
	if err != nil {
		return err
	}
	obs, err := mocap.ReadObservationsFile(pointsCSV)
	if err != nil {
		return err
	}

	if frameTimesCSV != "" {
		streams, err := mocap.ReadFrameTimesFile(frameTimesCSV)
		if err != nil {
			return err
		}
		bundles, err := mocap.Synchronize(streams, cfg.GetSyncWindow())
		if err != nil {
			return err
		}
		obs = mocap.RemapToSync(obs, bundles)
	}

	object := mocap.PlanarGrid(cfg.GetObjectRows(), cfg.GetObjectCols(), cfg.GetObjectSpacingMM())

	opts := mocap.CalibrateOptions{
		Initializer: mocap.InitializerOptions{
			MinSharedViews: cfg.GetMinSharedViews(),
			Stereo: mocap.StereoOptions{
				MinCorrespondences:  cfg.GetStereoMinCorrespondences(),
				UndistortIterations: cfg.GetUndistortIterations(),
				RefineIterations:    cfg.GetStereoRefineIterations(),
			},
		},
		Bundle: mocap.BundleOptions{
			MaxIterations:       cfg.GetBundleMaxIterations(),
			Ftol:                cfg.GetBundleFtol(),
			InitialLambda:       cfg.GetBundleInitialLambda(),
			UndistortIterations: cfg.GetUndistortIterations(),
		},
	}

	progress := func(stage string, step, total int, value float64) {
		monitoring.Debugf("%s: %d/%d (%.4f)", stage, step, total, value)
	}

	res, err := mocap.Calibrate(ctx, arr, obs, object, opts, progress)
	if err != nil {
		return err
	}
	if res.State == mocap.RunCancelled {
		return errors.New("cancelled before completion; camera array not written")
	}

	out := camerasOut
	if out == "" {
		out = camerasIn
	}
	if err := mocap.SaveCameraArray(out, res.Array, res.Pairs); err != nil {
		return err
	}
	monitoring.Logf("wrote %s: anchor camera %d, rmse %.4fpx, object fit %.4fmm", out, res.Anchor, res.RMSE, res.AlignRMSE)

	if dbPath != "" {
		db, err := mocapdb.NewDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.RecordObservations(obs); err != nil {
			return err
		}
		runID, err := db.RecordRun(mocapdb.Run{
			Kind:        "calibration",
			State:       res.State.String(),
			RMSE:        res.RMSE,
			Iterations:  int64(res.Iterations),
			CameraCount: int64(len(res.Array.PosedPorts())),
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
		n, err := report.Generate(dir, res.Array, obs, res.Points, object)
		if err != nil {
			return err
		}
		monitoring.Logf("wrote %d plots to %s", n, dir)
	}

	return nil
}
