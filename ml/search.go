package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	TrialRunning   = "running"
	TrialCompleted = "completed"
	TrialFailed    = "failed"
)

type Trial struct {
	ID           int           `json:"id"`
	LearningRate float64       `json:"learning_rate"`
	AUC          float64       `json:"auc"`
	TypeAccuracy float64       `json:"type_accuracy"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

type SearchResult struct {
	Best   Trial
	Trials []Trial
}

// LearningRateSearch samples learning rates log-uniformly in [MinLR, MaxLR],
// trains one model per trial and keeps the trial with the best validation
// risk AUC.
type LearningRateSearch struct {
	Trials  int
	Epochs  int
	MinLR   float64
	MaxLR   float64
	Workers int
	Seed    int64
}

func DefaultLearningRateSearch() LearningRateSearch {
	return LearningRateSearch{
		Trials:  30,
		Epochs:  20,
		MinLR:   1e-4,
		MaxLR:   1e-2,
		Workers: 4,
		Seed:    42,
	}
}

func (s LearningRateSearch) validate() error {
	if s.Trials <= 0 {
		return fmt.Errorf("trials must be positive, got %d", s.Trials)
	}
	if s.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", s.Epochs)
	}
	if s.MinLR <= 0 || s.MaxLR < s.MinLR {
		return fmt.Errorf("invalid learning rate range [%v, %v]", s.MinLR, s.MaxLR)
	}
	return nil
}

// SampleLearningRates draws the per-trial learning rates. They depend only on
// the seed, not on the order trials finish in.
func (s LearningRateSearch) SampleLearningRates() []float64 {
	rnd := rand.New(rand.NewSource(s.Seed))
	lo, hi := math.Log(s.MinLR), math.Log(s.MaxLR)
	rates := make([]float64, s.Trials)
	for i := range rates {
		rates[i] = math.Exp(lo + rnd.Float64()*(hi-lo))
	}
	return rates
}

func (s LearningRateSearch) Run(ctx context.Context, trainer *Trainer, train, val *Dataset) (*SearchResult, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if val == nil || val.Len() == 0 {
		return nil, errors.New("learning rate search needs a validation partition")
	}

	rates := s.SampleLearningRates()
	trials := make([]Trial, len(rates))
	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}

	trainer.Logger.Info("starting learning rate search",
		zap.Int("trials", s.Trials),
		zap.Int("epochs", s.Epochs),
		zap.Float64("min_lr", s.MinLR),
		zap.Float64("max_lr", s.MaxLR),
		zap.Int("workers", workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, lr := range rates {
		g.Go(func() error {
			trial := Trial{ID: i + 1, LearningRate: lr, Status: TrialRunning}
			trainer.Observer.OnTrial(trial)

			started := time.Now()
			_, result, err := trainer.fit(gctx, train, val, lr, s.Epochs, trial.ID, s.Seed+int64(trial.ID))
			trial.Duration = time.Since(started)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				trial.Status = TrialFailed
				trial.Error = err.Error()
				trainer.Logger.Warn("search trial failed", zap.Int("trial", trial.ID), zap.Error(err))
			} else {
				trial.Status = TrialCompleted
				trial.AUC = result.Validation.AUC
				trial.TypeAccuracy = result.Validation.TypeAccuracy
				trainer.Logger.Info("search trial completed",
					zap.Int("trial", trial.ID),
					zap.Float64("lr", lr),
					zap.Float64("val_auc", trial.AUC),
					zap.Duration("duration", trial.Duration),
				)
			}
			trials[i] = trial
			trainer.Observer.OnTrial(trial)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("learning rate search cancelled: %w", err)
	}

	best := -1
	for i, trial := range trials {
		if trial.Status != TrialCompleted {
			continue
		}
		if best == -1 || trial.AUC > trials[best].AUC {
			best = i
		}
	}
	if best == -1 {
		return nil, fmt.Errorf("all %d search trials failed: %s", len(trials), trials[0].Error)
	}
	return &SearchResult{Best: trials[best], Trials: trials}, nil
}
