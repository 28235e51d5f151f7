package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"oncorisk/ml"
	"oncorisk/pipeline"
)

func main() {
	outDir := flag.String("out", "data", "output directory")
	rows := flag.Int("rows", 5000, "number of simulated patients")
	testRatio := flag.Float64("test_ratio", 0.2, "test ratio")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	if *rows <= 0 {
		log.Fatal("rows must be positive")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}

	cohort := ml.Simulate(*rows, *seed)
	train, test, err := ml.StratifiedSplit(cohort, *testRatio, *seed)
	if err != nil {
		log.Fatalf("failed to split cohort: %v", err)
	}

	positives := 0
	for _, label := range cohort.Risk {
		positives += label
	}

	trainPath := filepath.Join(*outDir, "train.csv")
	testPath := filepath.Join(*outDir, "test.csv")
	featuresPath := filepath.Join(*outDir, "features.txt")
	if err := pipeline.WriteCSV(trainPath, train); err != nil {
		log.Fatalf("failed to write %s: %v", trainPath, err)
	}
	if err := pipeline.WriteCSV(testPath, test); err != nil {
		log.Fatalf("failed to write %s: %v", testPath, err)
	}
	if err := ml.WriteFeatureNames(featuresPath, cohort.Features); err != nil {
		log.Fatalf("failed to write %s: %v", featuresPath, err)
	}

	fmt.Printf("wrote %d train and %d test rows to %s (risk prevalence %.3f)\n",
		train.Len(), test.Len(), *outDir, float64(positives)/float64(cohort.Len()))
}
