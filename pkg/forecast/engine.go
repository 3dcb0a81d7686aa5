package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/gridcast/gridcast/pkg/demand"
)

// Engine turns a lookback window of stored demand into a demand forecast.
type Engine struct {
	model Model
}

// NewEngine creates an engine around a loaded model.
func NewEngine(m Model) *Engine {
	return &Engine{model: m}
}

// Lookback is the window length the model expects.
func (e *Engine) Lookback() int { return e.model.Lookback() }

// Predict forecasts the next horizon hourly demand values after the last
// row of window. Only the demand series is used. The scaler is fit on the
// window on every call.
func (e *Engine) Predict(ctx context.Context, window []demand.HourlyDemand, horizon int) ([]float64, error) {
	lookback := e.model.Lookback()
	if len(window) < lookback {
		return nil, fmt.Errorf("%w: window has %d hours, model needs %d",
			demand.ErrInsufficientHistory, len(window), lookback)
	}
	if horizon != e.model.Horizon() {
		return nil, fmt.Errorf("requested horizon %d, model emits %d", horizon, e.model.Horizon())
	}

	window = window[len(window)-lookback:]
	if err := CheckContiguous(window); err != nil {
		return nil, err
	}

	series := make([]float64, len(window))
	for i, r := range window {
		series[i] = float64(r.Demand)
	}

	scaler, err := FitMinMax(series)
	if err != nil {
		return nil, err
	}

	scaled, err := e.model.Predict(ctx, scaler.Transform(series))
	if err != nil {
		return nil, fmt.Errorf("model predict: %w", err)
	}
	if len(scaled) != horizon {
		return nil, fmt.Errorf("model returned %d values, want %d", len(scaled), horizon)
	}
	return scaler.InverseTransform(scaled), nil
}

// CheckContiguous reports a gap or disorder in an hourly window as
// insufficient history.
func CheckContiguous(window []demand.HourlyDemand) error {
	for i := 1; i < len(window); i++ {
		prev, cur := window[i-1].Timestamp, window[i].Timestamp
		if cur.Sub(prev) != time.Hour {
			return fmt.Errorf("%w: gap between %s and %s", demand.ErrInsufficientHistory,
				prev.Format(time.RFC3339), cur.Format(time.RFC3339))
		}
	}
	return nil
}
