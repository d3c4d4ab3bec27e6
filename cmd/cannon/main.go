// Command cannon runs the full spectral-modeling pipeline: load spectra and
// reference labels, continuum-normalize, train the per-pixel polynomial
// model, infer labels for the survey set, then write diagnostics and
// optionally persist the run to SQLite.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/apogee-data/cannon/continuum"
	"github.com/apogee-data/cannon/diag"
	"github.com/apogee-data/cannon/internal/config"
	"github.com/apogee-data/cannon/internal/version"
	"github.com/apogee-data/cannon/model"
	"github.com/apogee-data/cannon/spectra"
	"github.com/apogee-data/cannon/store"
)

var (
	spectraDir = flag.String("spectra", "", "Directory of training spectrum CSV files (required)")
	labelPath  = flag.String("labels", "", "Reference label table CSV (required)")
	surveyDir  = flag.String("survey", "", "Directory of survey spectrum CSV files; default is the training set itself")
	configPath = flag.String("config", "", "Pipeline config JSON")
	outDir     = flag.String("out", "cannon_out", "Output directory for diagnostics")
	dbPath     = flag.String("db", "", "SQLite run database; empty disables persistence")
	plots      = flag.Bool("plots", true, "Write diagnostic plots and reports")
	showVer    = flag.Bool("version", false, "Print build identification and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		os.Stdout.WriteString("cannon " + version.String() + "\n")
		return
	}
	if *spectraDir == "" || *labelPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("pipeline failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.PipelineConfig) error {
	train, err := spectra.Load(*spectraDir, *labelPath)
	if err != nil {
		return err
	}
	if len(cfg.Ranges) > 0 {
		ranges, err := train.RangesFromWavelengths(cfg.Ranges)
		if err != nil {
			return err
		}
		if err := train.SetRanges(ranges); err != nil {
			return err
		}
	}

	survey := train
	if *surveyDir != "" {
		survey, err = spectra.LoadUnlabeled(*surveyDir)
		if err != nil {
			return err
		}
		survey.Ranges = train.Ranges
	}

	basis, err := continuum.ParseBasis(cfg.GetContinuumBasis())
	if err != nil {
		return err
	}
	params := continuum.Params{
		Quantile: cfg.GetContinuumQuantile(),
		Window:   cfg.GetWindowAngstroms(),
		Fraction: cfg.GetContinuumFraction(),
		Basis:    basis,
		Order:    cfg.GetContinuumOrder(),
	}
	normTrain, normSurvey, mask, err := continuum.NormalizeSets(train, survey, params)
	if err != nil {
		return err
	}

	if *plots {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			return err
		}
		if err := diag.SNRComparison(normTrain, normSurvey, filepath.Join(*outDir, "snr_dist.png")); err != nil {
			return err
		}
		if err := diag.TrianglePlot(normTrain.Labels, normTrain.PlotNames(),
			filepath.Join(*outDir, "reference_labels_triangle.png")); err != nil {
			return err
		}
	}

	m, err := model.Train(ctx, normTrain, model.TrainConfig{
		Order:   cfg.GetModelOrder(),
		Workers: cfg.GetWorkers(),
	})
	if err != nil {
		return err
	}

	res, err := model.Infer(ctx, m, normSurvey, model.InferConfig{
		Workers:       cfg.GetWorkers(),
		MaxIterations: cfg.GetMaxIterations(),
	})
	if err != nil {
		return err
	}

	if *plots {
		if _, err := diag.FlaggedStars(normTrain, res, normSurvey.IDs, *outDir); err != nil {
			return err
		}
		if err := diag.TrianglePlot(res.Labels, res.LabelNames,
			filepath.Join(*outDir, "survey_labels_triangle.png")); err != nil {
			return err
		}
		if normSurvey.Labels != nil {
			if err := diag.OneToOne(normSurvey.Labels, res.Labels, res.LabelNames, *outDir); err != nil {
				return err
			}
		}
		if err := diag.ModelDiagnostics(m, *outDir); err != nil {
			return err
		}
		if err := diag.WriteHTMLReport(filepath.Join(*outDir, "report.html"),
			normTrain, normSurvey, m, res); err != nil {
			return err
		}
	}

	if *dbPath != "" {
		db, err := store.Open(*dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		runID, err := db.CreateRun(cfg, "cannon pipeline run")
		if err != nil {
			return err
		}
		if err := db.SaveMask(runID, mask); err != nil {
			return err
		}
		if err := db.SaveModel(runID, m); err != nil {
			return err
		}
		if err := db.SaveResult(runID, normSurvey.IDs, res); err != nil {
			return err
		}
		log.Printf("persisted run %s to %s", runID, *dbPath)
	}

	log.Printf("pipeline complete: %d training stars, %d survey stars, %d flagged",
		normTrain.NumObjects(), normSurvey.NumObjects(), res.NumFlagged())
	return nil
}
