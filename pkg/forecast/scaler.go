package forecast

import "errors"

// MinMaxScaler maps values linearly onto [0, 1] using the range observed by
// Fit. A scaler is fit per forecast run and never persisted.
type MinMaxScaler struct {
	min   float64
	scale float64
}

// FitMinMax fits a scaler to values. A constant series gets scale 1 so that
// Transform yields zeros and InverseTransform returns min + y.
func FitMinMax(values []float64) (MinMaxScaler, error) {
	if len(values) == 0 {
		return MinMaxScaler{}, errors.New("fit scaler: no values")
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	rng := hi - lo
	if rng == 0 {
		rng = 1
	}
	return MinMaxScaler{min: lo, scale: rng}, nil
}

func (s MinMaxScaler) Transform(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - s.min) / s.scale
	}
	return out
}

func (s MinMaxScaler) InverseTransform(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v*s.scale + s.min
	}
	return out
}
