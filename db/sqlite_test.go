package db

import (
	"path/filepath"
	"testing"
	"time"

	"oncorisk/ml"
)

func TestTrainingLedger(t *testing.T) {
	if err := InitDB(filepath.Join(t.TempDir(), "ledger.db")); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer Close()

	older := TrainingRun{
		ArtifactPath: "model/artifact.json",
		LearningRate: 0.001,
		AUC:          0.71,
		TrainRows:    800,
		TestRows:     200,
		TrainedAt:    time.Now().Add(-time.Hour),
	}
	if _, err := SaveTrainingRun(older); err != nil {
		t.Fatalf("SaveTrainingRun: %v", err)
	}

	newer := older
	newer.AUC = 0.78
	newer.Searched = true
	newer.Duration = 1500 * time.Millisecond
	newer.TrainedAt = time.Now()
	runID, err := SaveTrainingRun(newer)
	if err != nil {
		t.Fatalf("SaveTrainingRun: %v", err)
	}

	trials := []ml.Trial{
		{ID: 0, LearningRate: 0.002, AUC: 0.74, Status: ml.TrialCompleted, Duration: time.Second},
		{ID: 1, LearningRate: 0.009, Status: ml.TrialFailed, Error: "diverged"},
	}
	if err := SaveTrials(runID, trials); err != nil {
		t.Fatalf("SaveTrials: %v", err)
	}

	runs, err := LoadTrainingLog(0)
	if err != nil {
		t.Fatalf("LoadTrainingLog: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != runID || runs[0].AUC != 0.78 || !runs[0].Searched {
		t.Errorf("newest run not first: %+v", runs[0])
	}
	if runs[0].Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", runs[0].Duration)
	}

	limited, err := LoadTrainingLog(1)
	if err != nil {
		t.Fatalf("LoadTrainingLog(1): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 run with limit, got %d", len(limited))
	}

	stored, err := LoadTrials(runID)
	if err != nil {
		t.Fatalf("LoadTrials: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 trials, got %d", len(stored))
	}
	if stored[1].Status != ml.TrialFailed || stored[1].Error != "diverged" {
		t.Errorf("failed trial not preserved: %+v", stored[1])
	}
}

func TestUninitialized(t *testing.T) {
	Close()
	if _, err := SaveTrainingRun(TrainingRun{}); err == nil {
		t.Error("expected error without InitDB")
	}
	if _, err := LoadTrainingLog(10); err == nil {
		t.Error("expected error without InitDB")
	}
}
