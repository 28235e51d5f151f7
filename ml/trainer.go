package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

type TrainConfig struct {
	Model     ModelConfig
	BatchSize int
	Seed      int64
}

func DefaultTrainConfig(inputDim int) TrainConfig {
	return TrainConfig{
		Model:     DefaultModelConfig(inputDim),
		BatchSize: 64,
		Seed:      42,
	}
}

type EpochStats struct {
	Trial           int       `json:"trial,omitempty"`
	Epoch           int       `json:"epoch"`
	Epochs          int       `json:"epochs"`
	LearningRate    float64   `json:"learning_rate"`
	TrainLoss       float64   `json:"train_loss"`
	ValAUC          float64   `json:"val_auc,omitempty"`
	ValTypeAccuracy float64   `json:"val_type_accuracy,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Observer receives training progress. Implementations must be safe for
// concurrent use since search trials run in parallel.
type Observer interface {
	OnEpoch(stats EpochStats)
	OnTrial(trial Trial)
}

type nopObserver struct{}

func (nopObserver) OnEpoch(EpochStats) {}
func (nopObserver) OnTrial(Trial)      {}

type Evaluation struct {
	AUC          float64 `json:"auc"`
	TypeAccuracy float64 `json:"type_accuracy"`
	Loss         float64 `json:"loss"`
	Rows         int     `json:"rows"`
}

type FitResult struct {
	History    []EpochStats
	Validation *Evaluation
	Duration   time.Duration
}

// Trainer fits MultiCancerModel parameters with Adam on mini-batches.
type Trainer struct {
	Config   TrainConfig
	Logger   *zap.Logger
	Observer Observer
}

func NewTrainer(cfg TrainConfig, logger *zap.Logger, observer Observer) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return &Trainer{Config: cfg, Logger: logger, Observer: observer}
}

// Fit trains a fresh model on train for the given epochs. When val is not
// nil it is evaluated after every epoch.
func (t *Trainer) Fit(ctx context.Context, train, val *Dataset, lr float64, epochs int) (*MultiCancerModel, *FitResult, error) {
	return t.fit(ctx, train, val, lr, epochs, 0, t.Config.Seed)
}

func (t *Trainer) fit(ctx context.Context, train, val *Dataset, lr float64, epochs, trial int, seed int64) (*MultiCancerModel, *FitResult, error) {
	if train == nil || train.Len() == 0 {
		return nil, nil, ErrEmptyDataset
	}
	if lr <= 0 {
		return nil, nil, fmt.Errorf("learning rate must be positive, got %v", lr)
	}
	if epochs <= 0 {
		return nil, nil, fmt.Errorf("epochs must be positive, got %d", epochs)
	}
	cfg := t.Config.Model
	if cfg.InputDim == 0 {
		cfg.InputDim = train.Features.Len()
	}
	if cfg.InputDim != train.Features.Len() {
		return nil, nil, fmt.Errorf("%w: data has %d features, model expects %d", ErrDimensionMismatch, train.Features.Len(), cfg.InputDim)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := train.Validate(cfg.NumTypes); err != nil {
		return nil, nil, fmt.Errorf("train data: %w", err)
	}

	rnd := rand.New(rand.NewSource(seed))
	model, err := NewMultiCancerModel(cfg, rnd)
	if err != nil {
		return nil, nil, err
	}
	opt := NewAdam(lr, model.params())

	start := time.Now()
	result := &FitResult{}
	n := train.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= epochs; epoch++ {
		rnd.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		epochLoss := 0.0
		for from := 0; from < n; from += t.Config.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			to := from + t.Config.BatchSize
			if to > n {
				to = n
			}
			batch := train.Subset(order[from:to])
			x, err := model.toDense(batch.X)
			if err != nil {
				return nil, nil, err
			}
			risk := make([]float64, len(batch.Risk))
			for i, label := range batch.Risk {
				risk[i] = float64(label)
			}
			pass := model.forward(x, true, rnd)
			loss, grads := model.backward(pass, risk, batch.Type)
			opt.Step(model.params(), grads)
			epochLoss += loss * float64(to-from)
		}

		stats := EpochStats{
			Trial:        trial,
			Epoch:        epoch,
			Epochs:       epochs,
			LearningRate: lr,
			TrainLoss:    epochLoss / float64(n),
			Timestamp:    time.Now(),
		}
		if val != nil {
			eval, err := Evaluate(model, val)
			if err != nil {
				return nil, nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			stats.ValAUC = eval.AUC
			stats.ValTypeAccuracy = eval.TypeAccuracy
			result.Validation = eval
		}
		result.History = append(result.History, stats)
		t.Observer.OnEpoch(stats)
		t.Logger.Debug("epoch completed",
			zap.Int("trial", trial),
			zap.Int("epoch", epoch),
			zap.Float64("lr", lr),
			zap.Float64("train_loss", stats.TrainLoss),
			zap.Float64("val_auc", stats.ValAUC),
		)
	}
	result.Duration = time.Since(start)
	return model, result, nil
}

// Evaluate scores the risk head by AUC and the type head by accuracy on a
// standardized dataset, in eval mode. A single-class partition scores AUC 0.5.
func Evaluate(model *MultiCancerModel, ds *Dataset) (*Evaluation, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if err := ds.Validate(model.cfg.NumTypes); err != nil {
		return nil, err
	}
	x, err := model.toDense(ds.X)
	if err != nil {
		return nil, err
	}
	pass := model.forward(x, false, nil)

	probs := make([]float64, len(pass.risk))
	labels := make([]float64, len(pass.risk))
	predicted := make([]int, len(pass.risk))
	for i, z := range pass.risk {
		probs[i] = Sigmoid(z)
		labels[i] = float64(ds.Risk[i])
		predicted[i] = Argmax(pass.types.RawRowView(i))
	}

	auc, err := AUC(probs, ds.Risk)
	if errors.Is(err, ErrSingleClass) {
		auc = 0.5
	} else if err != nil {
		return nil, err
	}
	acc, err := Accuracy(predicted, ds.Type)
	if err != nil {
		return nil, err
	}
	riskLoss, _ := bceWithLogits(pass.risk, labels)
	typeLoss, _ := softmaxCrossEntropy(pass.types, ds.Type)

	return &Evaluation{
		AUC:          auc,
		TypeAccuracy: acc,
		Loss:         riskLoss + typeLoss,
		Rows:         ds.Len(),
	}, nil
}
