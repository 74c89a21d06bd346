// Command celltrack links per-frame nucleus detections into cell tracks and
// lineage trees by solving a global min-cost flow problem over the whole
// image sequence.
//
// Input is a JSON array of detections; output is a JSON run record with the
// resolved tracks, and optionally a row in the lineage database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/lineage.report/internal/config"
	"github.com/banshee-data/lineage.report/internal/db"
	"github.com/banshee-data/lineage.report/internal/monitoring"
	"github.com/banshee-data/lineage.report/internal/tracking"
	"github.com/banshee-data/lineage.report/internal/version"
)

// inputDetection is one detector output row. IDs are assigned by the
// linker, not taken from the file.
type inputDetection struct {
	Frame         int       `json:"frame"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Z             float64   `json:"z"`
	Features      []float64 `json:"features,omitempty"`
	DivisionScore float64   `json:"division_score,omitempty"`
}

func main() {
	var (
		detectionsPath string
		configPath     string
		dbPath         string
		outPath        string
		migrationsDir  string
		listRuns       bool
		showRun        string
		verbose        bool
		showVersion    bool
	)

	flag.StringVar(&detectionsPath, "detections", "", "path to detections JSON file")
	flag.StringVar(&configPath, "config", "", "path to tuning config JSON file (optional)")
	flag.StringVar(&dbPath, "db", "", "path to lineage sqlite db; when set, the run is persisted")
	flag.StringVar(&outPath, "out", "", "path for the run record JSON (default stdout)")
	flag.StringVar(&migrationsDir, "migrations", "migrations", "path to the schema migrations directory")
	flag.BoolVar(&listRuns, "list-runs", false, "list persisted runs and exit")
	flag.StringVar(&showRun, "show-run", "", "print a persisted run by ID and exit")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "print build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("celltrack " + version.String())
		return
	}

	monitoring.SetVerbose(verbose)

	if listRuns || showRun != "" {
		if dbPath == "" {
			log.Fatalf("-db is required with -list-runs and -show-run")
		}
		if err := runCatalogue(dbPath, migrationsDir, showRun); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if detectionsPath == "" {
		log.Fatalf("-detections is required")
	}

	tuning := &config.TuningConfig{}
	if configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	cfg, err := linkerConfig(tuning)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	set, err := loadDetections(detectionsPath)
	if err != nil {
		log.Fatalf("load detections: %v", err)
	}
	monitoring.Logf("celltrack: loaded %d detections from %s", set.Len(), detectionsPath)

	model, err := tracking.NewCostModel(tuning.GetCostModel(), cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	linker, err := tracking.NewLinker(cfg, model)
	if err != nil {
		log.Fatalf("%v", err)
	}

	lineage, err := linker.Link(context.Background(), set)
	if err != nil {
		log.Fatalf("link: %v", err)
	}
	if err := lineage.Validate(set, cfg); err != nil {
		log.Fatalf("lineage validation: %v", err)
	}
	monitoring.Logf("celltrack: %d tracks, %d divisions, total cost %.3f",
		len(lineage.Tracks), lineage.Divisions, lineage.RealCost)

	run := tracking.Export(lineage, set, cfg.Resolution)
	if err := writeRun(run, outPath); err != nil {
		log.Fatalf("write output: %v", err)
	}

	if dbPath != "" {
		database, err := db.Open(dbPath)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer database.Close()
		if err := database.MigrateUp(migrationsDir); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		runID, err := tracking.SaveRun(database.DB, run, cfg)
		if err != nil {
			log.Fatalf("save run: %v", err)
		}
		fmt.Printf("saved run %s\n", runID)
	}
}

// linkerConfig maps the file-level tuning values onto the linker's
// configuration and validates the result.
func linkerConfig(t *config.TuningConfig) (tracking.LinkerConfig, error) {
	res, err := tracking.NewResolution(t.GetPixelSizeXYUm(), t.GetPixelSizeZUm(), t.GetFrameIntervalMins())
	if err != nil {
		return tracking.LinkerConfig{}, err
	}
	cfg := tracking.LinkerConfig{
		GatingRadiusUm:         t.GetGatingRadiusUm(),
		FrameGapTolerance:      t.GetFrameGapTolerance(),
		AppearancePenalty:      t.GetAppearancePenalty(),
		DisappearancePenalty:   t.GetDisappearancePenalty(),
		DetectionWeight:        t.GetDetectionWeight(),
		DivisionRadiusUm:       t.GetDivisionRadiusUm(),
		DivisionWeight:         t.GetDivisionWeight(),
		DivisionScoreThreshold: t.GetDivisionScoreThreshold(),
		DivisionAsymmetryLimit: t.GetDivisionAsymmetryLimit(),
		FeatureWeight:          t.GetFeatureWeight(),
		CostScale:              t.GetCostScale(),
		TargetFlow:             t.GetTargetFlow(),
		MaxSweepFlow:           t.GetMaxSweepFlow(),
		SolverWorkers:          t.GetSolverWorkers(),
		Resolution:             res,
	}
	if err := cfg.Validate(); err != nil {
		return tracking.LinkerConfig{}, err
	}
	return cfg, nil
}

func loadDetections(path string) (*tracking.DetectionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows []inputDetection
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	set := tracking.NewDetectionSet()
	for i, r := range rows {
		if _, err := set.Add(r.Frame, r.X, r.Y, r.Z, r.Features, r.DivisionScore); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return set, nil
}

func writeRun(run *tracking.RunRecord, path string) error {
	out := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

// runCatalogue serves the -list-runs and -show-run maintenance modes.
func runCatalogue(dbPath, migrationsDir, showRun string) error {
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	if err := database.MigrateUp(migrationsDir); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if showRun != "" {
		run, cfg, err := tracking.LoadRun(database.DB, showRun)
		if err != nil {
			return err
		}
		payload := struct {
			Run    *tracking.RunRecord    `json:"run"`
			Config *tracking.LinkerConfig `json:"config"`
		}{run, cfg}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	runs, err := tracking.ListRuns(database.DB, 100)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  frames %d-%d  %d tracks  %d divisions  cost %.3f\n",
			r.RunID, r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.FrameMin, r.FrameMax, r.TrackCount, r.DivisionCount, r.TotalCost)
	}
	return nil
}
