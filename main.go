// Command reloc relocalises RGB-D frames against a scene using a frozen
// SCoRe regression forest and preemptive RANSAC.
//
// Usage:
//
//	reloc --forest scene.gfor --frames ./frames [--config reloc.toml]
//	      [--out poses.csv] [--db results.db] [--serial] [--seed N]
//	      [--trace-dir ./traces] [--report report.html]
//	reloc migrate <up|down|status> --db results.db
//
// Exit codes: 0 on success, 2 on usage or load errors, 3 when no frame
// could be relocalised.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/banshee-data/reloc/internal/db"
	"github.com/banshee-data/reloc/internal/reloc"
	"github.com/banshee-data/reloc/internal/reloc/monitor"
	storage "github.com/banshee-data/reloc/internal/reloc/storage/sqlite"
)

var (
	forestPath = flag.String("forest", "", "Path to the frozen forest file (required)")
	framesDir  = flag.String("frames", "", "Directory of .gfrm frame files (required)")
	configPath = flag.String("config", "", "Optional TOML config overlay")
	outPath    = flag.String("out", "poses.csv", "Output poses CSV")
	dbPath     = flag.String("db", "", "Optional results database")
	serial     = flag.Bool("serial", false, "Use the deterministic serial backend")
	seed       = flag.Int64("seed", -1, "Override the RNG seed (-1 keeps the config value)")
	traceDir   = flag.String("trace-dir", "", "Write per-frame energy convergence plots to this directory")
	reportPath = flag.String("report", "", "Write an HTML run report (requires --db)")
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrateCommand(os.Args[2:])
		return
	}
	flag.Parse()

	if msg := usageProblem(); msg != "" {
		fmt.Fprintf(os.Stderr, "reloc: %s\n", msg)
		flag.Usage()
		os.Exit(2)
	}

	cfg := reloc.DefaultConfig()
	if *configPath != "" {
		fc, err := reloc.LoadFileConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reloc: %v\n", err)
			os.Exit(2)
		}
		if cfg, err = fc.Apply(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "reloc: %v\n", err)
			os.Exit(2)
		}
	}
	if *seed >= 0 {
		cfg.RNGSeed = uint64(*seed)
	}

	forest, err := reloc.LoadForest(*forestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reloc: %v\n", err)
		os.Exit(2)
	}
	log.Printf("Loaded forest: %d trees, %d features", forest.TreeCount(), forest.FeatureCount)

	frameFiles, err := reloc.ListFrameFiles(*framesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reloc: %v\n", err)
		os.Exit(2)
	}
	if len(frameFiles) == 0 {
		fmt.Fprintf(os.Stderr, "reloc: no .gfrm frames in %s\n", *framesDir)
		os.Exit(2)
	}

	okCount, err := run(forest, cfg, frameFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reloc: %v\n", err)
		os.Exit(2)
	}
	if okCount == 0 {
		log.Printf("No frames relocalised")
		os.Exit(3)
	}
	log.Printf("Relocalised %d/%d frames", okCount, len(frameFiles))
}

// usageProblem reports an invalid flag combination, or "" when the flags
// are usable.
func usageProblem() string {
	if *forestPath == "" || *framesDir == "" {
		return "--forest and --frames are required"
	}
	if *reportPath != "" && *dbPath == "" {
		return "--report requires --db"
	}
	return ""
}

func run(forest *reloc.Forest, cfg reloc.Config, frameFiles []string) (int, error) {
	var disp reloc.Dispatcher
	if *serial {
		disp = reloc.SerialDispatcher{}
	} else {
		disp = reloc.NewPoolDispatcher(0)
	}

	outFile, err := os.Create(*outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()
	csvW := csv.NewWriter(outFile)
	defer csvW.Flush()

	var store *storage.RunStore
	var runID string
	if *dbPath != "" {
		database, err := db.Open(*dbPath)
		if err != nil {
			return 0, err
		}
		defer database.Close()
		if err := database.MigrateUp(); err != nil {
			return 0, err
		}
		store = storage.NewRunStore(database.DB)

		params, _ := json.Marshal(cfg)
		dbRun := &storage.Run{
			ForestPath: *forestPath,
			FramesDir:  *framesDir,
			ParamsJSON: params,
		}
		if err := store.InsertRun(dbRun); err != nil {
			return 0, fmt.Errorf("failed to record run: %w", err)
		}
		runID = dbRun.RunID
		log.Printf("Recording run %s", runID)
	}

	var relocaliser *reloc.Relocaliser
	trace := monitor.NewEnergyTrace("")
	okCount := 0

	for _, path := range frameFiles {
		frameID := reloc.FrameID(path)
		frame, err := reloc.LoadFrame(path)
		if err != nil {
			log.Printf("Frame %s: %v", frameID, err)
			writePoseRow(csvW, frameID, "FAIL", reloc.Pose{})
			continue
		}

		// The first frame fixes the relocaliser dimensions; later frames
		// must match.
		if relocaliser == nil {
			relocaliser, err = reloc.New(forest, frame.Keypoints.Width, frame.Keypoints.Height, cfg, disp)
			if err != nil {
				return okCount, err
			}
		}

		trace.Reset(frameID)
		relocaliser.SetRoundObserver(trace.Observe)

		start := time.Now()
		pose, relocErr := relocaliseFrame(relocaliser, frame)
		elapsed := time.Since(start)

		status := "OK"
		if relocErr != nil {
			status = "FAIL"
			log.Printf("Frame %s: %v", frameID, relocErr)
			pose = reloc.Pose{}
		} else {
			okCount++
		}
		writePoseRow(csvW, frameID, status, pose)

		if store != nil {
			fr := &storage.FrameResult{
				RunID:     runID,
				FrameID:   frameID,
				Status:    status,
				Rounds:    len(trace.Samples),
				Pose:      pose,
				ElapsedNS: elapsed.Nanoseconds(),
			}
			if n := len(trace.Samples); n > 0 {
				fr.Energy = trace.Samples[n-1].BestEnergy
			}
			if err := store.InsertFrameResult(fr); err != nil {
				log.Printf("Frame %s: failed to record result: %v", frameID, err)
			}
		}
		if *traceDir != "" && len(trace.Samples) > 0 {
			if _, err := monitor.PlotEnergyTrace(trace, *traceDir); err != nil {
				log.Printf("Frame %s: %v", frameID, err)
			}
		}
	}

	if store != nil {
		if err := store.FinishRun(runID, len(frameFiles), okCount); err != nil {
			log.Printf("Failed to finish run: %v", err)
		}
		if *reportPath != "" {
			if err := monitor.WriteRunReport(store, runID, *reportPath); err != nil {
				log.Printf("Failed to write report: %v", err)
			} else {
				log.Printf("Report written to %s", *reportPath)
			}
		}
	}
	return okCount, nil
}

// relocaliseFrame runs predict + relocalise for one frame.
func relocaliseFrame(r *reloc.Relocaliser, frame *reloc.Frame) (reloc.Pose, error) {
	preds, err := r.Predict(frame.Keypoints, frame.Descriptors)
	if err != nil {
		return reloc.Pose{}, err
	}
	return r.Relocalise(context.Background(), frame.Keypoints, preds)
}

func writePoseRow(w *csv.Writer, frameID, status string, pose reloc.Pose) {
	row := make([]string, 0, 14)
	row = append(row, frameID, status)
	for _, v := range pose.R {
		row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
	}
	for _, v := range pose.T {
		row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := w.Write(row); err != nil {
		log.Printf("Failed to write pose row: %v", err)
	}
}

// runMigrateCommand handles the 'migrate' subcommand.
func runMigrateCommand(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	path := fs.String("db", "", "Results database path (required)")
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: reloc migrate <up|down|status> --db <path>")
		os.Exit(2)
	}
	action := args[0]
	fs.Parse(args[1:])
	if *path == "" {
		fmt.Fprintln(os.Stderr, "reloc migrate: --db is required")
		os.Exit(2)
	}

	database, err := db.Open(*path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	switch action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		log.Println("All migrations applied")
	case "down":
		if err := database.MigrateDown(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		log.Println("Rolled back one migration")
	case "status":
		version, dirty, err := database.MigrateVersion()
		if err != nil {
			log.Fatalf("Failed to read migration version: %v", err)
		}
		log.Printf("Schema version %d (dirty=%v)", version, dirty)
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate action: %s\n", action)
		os.Exit(2)
	}
}
