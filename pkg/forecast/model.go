package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/gridcast/gridcast/pkg/demand"
)

// Model is a pretrained univariate sequence model. Predict takes a scaled
// series of length Lookback (shape (1, lookback, 1)) and emits Horizon scaled
// values in one forward pass.
type Model interface {
	Lookback() int
	Horizon() int
	Predict(ctx context.Context, input []float64) ([]float64, error)
}

// Artifact is the on-disk model document. Layer weights follow the Keras
// layout so an exported network can be dumped without reshaping.
type Artifact struct {
	Name     string  `json:"name"`
	Lookback int     `json:"lookback"`
	Horizon  int     `json:"horizon"`
	Layers   []Layer `json:"layers"`
}

// Layer is one entry of Artifact.Layers.
type Layer struct {
	Type            string      `json:"type"` // "lstm", "dense" or "dropout"
	Units           int         `json:"units"`
	Kernel          [][]float64 `json:"kernel"`
	RecurrentKernel [][]float64 `json:"recurrent_kernel,omitempty"`
	Bias            []float64   `json:"bias"`
	Activation      string      `json:"activation,omitempty"`
	ReturnSequences bool        `json:"return_sequences,omitempty"`
}

// LoadModel reads and validates a model artifact. Any failure wraps
// demand.ErrModelLoad.
func LoadModel(path string) (*Sequential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", demand.ErrModelLoad, path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", demand.ErrModelLoad, path, err)
	}
	m, err := NewSequential(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", demand.ErrModelLoad, path, err)
	}
	return m, nil
}

// Sequential evaluates a stack of layers over a univariate input sequence.
type Sequential struct {
	name     string
	lookback int
	horizon  int
	layers   []Layer
}

// NewSequential validates layer shapes against the declared lookback and horizon.
func NewSequential(a Artifact) (*Sequential, error) {
	if a.Lookback <= 0 || a.Horizon <= 0 {
		return nil, fmt.Errorf("lookback %d and horizon %d must be positive", a.Lookback, a.Horizon)
	}
	if len(a.Layers) == 0 {
		return nil, fmt.Errorf("model has no layers")
	}

	width, seq := 1, true
	for i, l := range a.Layers {
		switch l.Type {
		case "dropout":
			continue
		case "lstm":
			if !seq {
				return nil, fmt.Errorf("layer %d: lstm needs a sequence input", i)
			}
			if err := checkMatrix(l.Kernel, width, 4*l.Units); err != nil {
				return nil, fmt.Errorf("layer %d kernel: %w", i, err)
			}
			if err := checkMatrix(l.RecurrentKernel, l.Units, 4*l.Units); err != nil {
				return nil, fmt.Errorf("layer %d recurrent_kernel: %w", i, err)
			}
			if len(l.Bias) != 4*l.Units {
				return nil, fmt.Errorf("layer %d: bias has %d values, want %d", i, len(l.Bias), 4*l.Units)
			}
			width, seq = l.Units, l.ReturnSequences
		case "dense":
			if seq {
				return nil, fmt.Errorf("layer %d: dense needs a vector input", i)
			}
			if err := checkMatrix(l.Kernel, width, l.Units); err != nil {
				return nil, fmt.Errorf("layer %d kernel: %w", i, err)
			}
			if len(l.Bias) != l.Units {
				return nil, fmt.Errorf("layer %d: bias has %d values, want %d", i, len(l.Bias), l.Units)
			}
			if _, err := activation(l.Activation); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			width = l.Units
		default:
			return nil, fmt.Errorf("layer %d: unsupported type %q", i, l.Type)
		}
	}
	if seq {
		return nil, fmt.Errorf("model output is a sequence, want a vector")
	}
	if width != a.Horizon {
		return nil, fmt.Errorf("model emits %d values, horizon is %d", width, a.Horizon)
	}

	return &Sequential{name: a.Name, lookback: a.Lookback, horizon: a.Horizon, layers: a.Layers}, nil
}

func (m *Sequential) Name() string  { return m.name }
func (m *Sequential) Lookback() int { return m.lookback }
func (m *Sequential) Horizon() int  { return m.horizon }

func (m *Sequential) Predict(ctx context.Context, input []float64) ([]float64, error) {
	if len(input) != m.lookback {
		return nil, fmt.Errorf("input has %d steps, model expects %d", len(input), m.lookback)
	}

	seq := make([][]float64, len(input))
	for i, v := range input {
		seq[i] = []float64{v}
	}
	var vec []float64

	for _, l := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch l.Type {
		case "lstm":
			out := lstm(l, seq)
			if l.ReturnSequences {
				seq = out
			} else {
				vec, seq = out[len(out)-1], nil
			}
		case "dense":
			act, _ := activation(l.Activation)
			vec = dense(l, vec, act)
		}
	}
	return vec, nil
}

// lstm runs a Keras-layout LSTM (gate order i, f, c, o) and returns the
// hidden state at every step.
func lstm(l Layer, seq [][]float64) [][]float64 {
	u := l.Units
	h := make([]float64, u)
	c := make([]float64, u)
	z := make([]float64, 4*u)
	out := make([][]float64, 0, len(seq))

	for _, x := range seq {
		copy(z, l.Bias)
		for k, xv := range x {
			row := l.Kernel[k]
			for j := range z {
				z[j] += xv * row[j]
			}
		}
		for k, hv := range h {
			row := l.RecurrentKernel[k]
			for j := range z {
				z[j] += hv * row[j]
			}
		}

		next := make([]float64, u)
		for j := 0; j < u; j++ {
			in := sigmoid(z[j])
			forget := sigmoid(z[u+j])
			cand := math.Tanh(z[2*u+j])
			o := sigmoid(z[3*u+j])
			c[j] = forget*c[j] + in*cand
			next[j] = o * math.Tanh(c[j])
		}
		h = next
		out = append(out, h)
	}
	return out
}

func dense(l Layer, x []float64, act func(float64) float64) []float64 {
	out := make([]float64, l.Units)
	copy(out, l.Bias)
	for k, xv := range x {
		row := l.Kernel[k]
		for j := range out {
			out[j] += xv * row[j]
		}
	}
	for j := range out {
		out[j] = act(out[j])
	}
	return out
}

func activation(name string) (func(float64) float64, error) {
	switch name {
	case "", "linear":
		return func(v float64) float64 { return v }, nil
	case "relu":
		return func(v float64) float64 { return math.Max(0, v) }, nil
	case "sigmoid":
		return sigmoid, nil
	case "tanh":
		return math.Tanh, nil
	}
	return nil, fmt.Errorf("unsupported activation %q", name)
}

func sigmoid(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

func checkMatrix(m [][]float64, rows, cols int) error {
	if len(m) != rows {
		return fmt.Errorf("has %d rows, want %d", len(m), rows)
	}
	for i, r := range m {
		if len(r) != cols {
			return fmt.Errorf("row %d has %d columns, want %d", i, len(r), cols)
		}
	}
	return nil
}
