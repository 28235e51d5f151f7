package main

import (
	"flag"
	"fmt"
	"log"

	"oncorisk/config"
	"oncorisk/ml"
	"oncorisk/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	dataPath := flag.String("data", "", "labeled CSV to evaluate (defaults to data.test_path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dataPath == "" {
		*dataPath = cfg.Data.TestPath
	}

	artifact, err := ml.LoadArtifact(cfg.Model.ArtifactPath)
	if err != nil {
		log.Fatalf("failed to load artifact: %v", err)
	}
	model, err := artifact.BuildModel()
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}

	records, err := pipeline.NewDataIngester(cfg.Data.IngestionConfig, artifact.Features, nil).ReadFile(*dataPath)
	if err != nil {
		log.Fatalf("failed to read %s: %v", *dataPath, err)
	}
	cleaned, issues := pipeline.NewDataCleaner(artifact.Features, model.Config().NumTypes, cfg.Data.BinaryFeatures, nil).Clean(records)
	ds := pipeline.ToDataset(artifact.Features, cleaned)

	X, err := artifact.Scaler.Transform(ds.X)
	if err != nil {
		log.Fatalf("failed to scale data: %v", err)
	}
	eval, err := ml.Evaluate(model, ds.WithX(X))
	if err != nil {
		log.Fatalf("failed to evaluate: %v", err)
	}

	fmt.Printf("rows=%d dropped=%d\n", eval.Rows, len(records)-len(cleaned))
	fmt.Printf("risk_auc=%.4f type_accuracy=%.4f loss=%.4f\n", eval.AUC, eval.TypeAccuracy, eval.Loss)
	if artifact.Metrics != nil {
		fmt.Printf("trained: risk_auc=%.4f type_accuracy=%.4f lr=%.5f at %s\n",
			artifact.Metrics.AUC, artifact.Metrics.TypeAccuracy, artifact.LearningRate, artifact.TrainedAt.Format("2006-01-02 15:04"))
	}
	if len(issues) > 0 {
		fmt.Printf("first rejected row: line %d (%s)\n", issues[0].Line, issues[0].Message)
	}
}
