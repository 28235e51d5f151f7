package training

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"oncorisk/config"
	"oncorisk/db"
	"oncorisk/ml"
	"oncorisk/monitoring"
	"oncorisk/pipeline"
)

// Ledger records finished runs.
type Ledger interface {
	SaveTrainingRun(run db.TrainingRun) (int64, error)
	SaveTrials(runID int64, trials []ml.Trial) error
}

// DBLedger writes to the sqlite ledger opened with db.InitDB.
type DBLedger struct{}

func (DBLedger) SaveTrainingRun(run db.TrainingRun) (int64, error) {
	return db.SaveTrainingRun(run)
}

func (DBLedger) SaveTrials(runID int64, trials []ml.Trial) error {
	return db.SaveTrials(runID, trials)
}

type Deps struct {
	Logger *zap.Logger
	// Hub, when set, receives per-epoch and per-trial progress.
	Hub    *monitoring.Hub
	Ledger Ledger
	Search bool
}

type Result struct {
	RunID        int64            `json:"run_id,omitempty"`
	ArtifactPath string           `json:"artifact_path"`
	LearningRate float64          `json:"learning_rate"`
	Test         *ml.Evaluation   `json:"test"`
	Search       *ml.SearchResult `json:"search,omitempty"`
	TrainRows    int              `json:"train_rows"`
	TestRows     int              `json:"test_rows"`
	Dropped      int              `json:"dropped"`
	Duration     time.Duration    `json:"duration"`
}

// Run executes one offline training pass: ingest, clean, split, scale,
// optionally search the learning rate, fit, evaluate and save the artifact.
func Run(ctx context.Context, cfg *config.Config, deps Deps) (*Result, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	features, err := ml.LoadFeatureNames(cfg.Model.FeaturesPath)
	if err != nil {
		return nil, fmt.Errorf("load features: %w", err)
	}

	train, dropped, err := loadDataset(cfg, features, cfg.Data.TrainPath, cfg.Data.DropDuplicates, logger)
	if err != nil {
		return nil, fmt.Errorf("load train data: %w", err)
	}

	var test *ml.Dataset
	if cfg.Data.TestPath != "" && fileExists(cfg.Data.TestPath) {
		var testDropped int
		test, testDropped, err = loadDataset(cfg, features, cfg.Data.TestPath, false, logger)
		if err != nil {
			return nil, fmt.Errorf("load test data: %w", err)
		}
		dropped += testDropped
	} else {
		train, test, err = ml.StratifiedSplit(train, cfg.Data.TestRatio, cfg.Data.Seed)
		if err != nil {
			return nil, err
		}
		logger.Info("no test file, split train data",
			zap.Float64("test_ratio", cfg.Data.TestRatio),
			zap.Int("train_rows", train.Len()),
			zap.Int("test_rows", test.Len()),
		)
	}

	// scaler is fit on the train partition only
	scaler, err := ml.FitScaler(train.X)
	if err != nil {
		return nil, err
	}
	trainX, err := scaler.Transform(train.X)
	if err != nil {
		return nil, err
	}
	testX, err := scaler.Transform(test.X)
	if err != nil {
		return nil, err
	}
	train, test = train.WithX(trainX), test.WithX(testX)

	var observer ml.Observer
	if deps.Hub != nil {
		observer = deps.Hub
	}
	trainer := ml.NewTrainer(cfg.TrainConfig(features.Len()), logger, observer)

	result := &Result{
		ArtifactPath: cfg.Model.ArtifactPath,
		LearningRate: cfg.Training.DefaultLR,
		TrainRows:    train.Len(),
		TestRows:     test.Len(),
		Dropped:      dropped,
	}

	if deps.Search {
		search, err := cfg.Search().Run(ctx, trainer, train, test)
		if err != nil {
			return nil, err
		}
		result.Search = search
		result.LearningRate = search.Best.LearningRate
		logger.Info("best learning rate",
			zap.Int("trial", search.Best.ID),
			zap.Float64("lr", search.Best.LearningRate),
			zap.Float64("val_auc", search.Best.AUC),
		)
	}

	model, _, err := trainer.Fit(ctx, train, nil, result.LearningRate, cfg.Training.FinalEpochs)
	if err != nil {
		return nil, fmt.Errorf("final fit: %w", err)
	}
	eval, err := ml.Evaluate(model, test)
	if err != nil {
		return nil, err
	}
	result.Test = eval

	artifact, err := ml.NewArtifact(features, scaler, model, test.Head(cfg.Explainer.BackgroundSize).X)
	if err != nil {
		return nil, err
	}
	artifact.LearningRate = result.LearningRate
	artifact.Metrics = eval
	if err := artifact.Save(cfg.Model.ArtifactPath); err != nil {
		return nil, fmt.Errorf("save artifact: %w", err)
	}
	result.Duration = time.Since(start)

	logger.Info("training completed",
		zap.String("artifact", cfg.Model.ArtifactPath),
		zap.Float64("lr", result.LearningRate),
		zap.Float64("test_auc", eval.AUC),
		zap.Float64("test_type_accuracy", eval.TypeAccuracy),
		zap.Duration("duration", result.Duration),
	)

	if deps.Ledger != nil {
		if err := record(deps.Ledger, result, artifact.TrainedAt); err != nil {
			// the artifact is already in place; a ledger failure is not fatal
			logger.Warn("failed to record training run", zap.Error(err))
		}
	}
	if deps.Hub != nil {
		if err := deps.Hub.Publish(monitoring.TrainingCompleted, result); err != nil {
			logger.Warn("failed to publish completion", zap.Error(err))
		}
	}
	return result, nil
}

func loadDataset(cfg *config.Config, features ml.FeatureSet, path string, dedupe bool, logger *zap.Logger) (*ml.Dataset, int, error) {
	ingester := pipeline.NewDataIngester(cfg.Data.IngestionConfig, features, logger)
	records, err := ingester.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	cleaner := pipeline.NewDataCleaner(features, cfg.Training.NumTypes, cfg.Data.BinaryFeatures, logger)
	if dedupe {
		cleaner.AddRule(pipeline.NewDuplicateDetectionRule())
	}
	cleaned, issues := cleaner.Clean(records)
	for i, issue := range issues {
		if i == 5 {
			logger.Warn("more rows rejected", zap.Int("remaining", len(issues)-i))
			break
		}
		logger.Warn("row rejected",
			zap.String("path", path),
			zap.Int("line", issue.Line),
			zap.String("rule", issue.Type),
			zap.String("reason", issue.Message),
		)
	}
	if len(cleaned) == 0 {
		rejected := cleaner.GetStats().Issues
		logger.Error("every row was rejected", zap.String("path", path), zap.Any("by_rule", rejected))
		return nil, len(records), fmt.Errorf("%s: %w after cleaning (rejected by rule: %v)", path, ml.ErrEmptyDataset, rejected)
	}
	return pipeline.ToDataset(features, cleaned), len(records) - len(cleaned), nil
}

func record(ledger Ledger, result *Result, trainedAt time.Time) error {
	run := db.TrainingRun{
		ArtifactPath: result.ArtifactPath,
		LearningRate: result.LearningRate,
		AUC:          result.Test.AUC,
		TypeAccuracy: result.Test.TypeAccuracy,
		Loss:         result.Test.Loss,
		TrainRows:    result.TrainRows,
		TestRows:     result.TestRows,
		Searched:     result.Search != nil,
		Duration:     result.Duration,
		TrainedAt:    trainedAt,
	}
	id, err := ledger.SaveTrainingRun(run)
	if err != nil {
		return err
	}
	result.RunID = id
	if result.Search != nil {
		return ledger.SaveTrials(id, result.Search.Trials)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
