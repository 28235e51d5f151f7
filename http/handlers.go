package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"oncorisk/inference"
	"oncorisk/ml"
)

// ModelProvider serves predictions for one loaded artifact.
type ModelProvider interface {
	Predict(ctx context.Context, values map[string]any) (*inference.Prediction, error)
	Features() ml.FeatureSet
}

var (
	providerMu    sync.RWMutex
	modelProvider ModelProvider
	handlerLogger = zap.NewNop()
)

// SetModelProvider installs the process-wide predictor. Passing nil unloads it.
func SetModelProvider(p ModelProvider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	modelProvider = p
}

func currentProvider() ModelProvider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return modelProvider
}

// SetLogger sets the logger used by handlers for server-side failures.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	providerMu.Lock()
	defer providerMu.Unlock()
	handlerLogger = logger
}

func currentLogger() *zap.Logger {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return handlerLogger
}

func RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /predict", handlePredict)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	provider := currentProvider()
	if provider == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no_model"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"features": provider.Features().Len(),
	})
}

func handlePredict(w http.ResponseWriter, r *http.Request) {
	provider := currentProvider()
	if provider == nil {
		respondError(w, http.StatusServiceUnavailable, "model not loaded")
		return
	}

	values, err := decodeFeatures(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	prediction, err := provider.Predict(r.Context(), values)
	if err != nil {
		if errors.Is(err, ml.ErrMissingFeature) || errors.Is(err, ml.ErrInvalidFeatureValue) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		currentLogger().Error("prediction failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "prediction failed")
		return
	}

	respondJSON(w, http.StatusOK, prediction)
}

// decodeFeatures reads one JSON object. Numbers are kept as json.Number so
// integer coercion sees the literal the client sent.
func decodeFeatures(body io.Reader) (map[string]any, error) {
	decoder := json.NewDecoder(body)
	decoder.UseNumber()

	var values map[string]any
	if err := decoder.Decode(&values); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("request body is empty")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if values == nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return values, nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		currentLogger().Warn("failed to encode JSON", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
