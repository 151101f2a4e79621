// Package nn holds the in-process inference engine used by the local pose
// estimator and the exercise classifier: a small feed-forward network whose
// weights are loaded from a JSON model file.
package nn

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Sigmoid Activation = "sigmoid"
	Softmax Activation = "softmax"
)

// LayerSpec is the on-disk form of one dense layer. Weights has one row per
// output unit.
type LayerSpec struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation Activation  `json:"activation"`
}

type Spec struct {
	Name      string      `json:"name"`
	InputSize int         `json:"input_size"`
	Labels    []string    `json:"labels,omitempty"`
	Layers    []LayerSpec `json:"layers"`
}

type layer struct {
	w   *mat.Dense
	b   *mat.VecDense
	act Activation
}

// Model is a loaded network. It is read-only after construction, so Predict
// is safe for concurrent use.
type Model struct {
	name   string
	in     int
	out    int
	labels []string
	layers []layer
}

// Load reads and validates a JSON model file.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model: %w", err)
	}
	defer f.Close()

	var spec Spec
	if err := json.NewDecoder(f).Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", path, err)
	}
	return New(spec)
}

// New builds a model from a spec, checking that layer shapes chain.
func New(spec Spec) (*Model, error) {
	if spec.InputSize <= 0 {
		return nil, fmt.Errorf("model %q: input size must be positive", spec.Name)
	}
	if len(spec.Layers) == 0 {
		return nil, fmt.Errorf("model %q: no layers", spec.Name)
	}

	m := &Model{name: spec.Name, in: spec.InputSize, labels: spec.Labels}
	width := spec.InputSize
	for i, ls := range spec.Layers {
		rows := len(ls.Weights)
		if rows == 0 {
			return nil, fmt.Errorf("model %q layer %d: empty weights", spec.Name, i)
		}
		if len(ls.Bias) != rows {
			return nil, fmt.Errorf("model %q layer %d: %d biases for %d units", spec.Name, i, len(ls.Bias), rows)
		}
		data := make([]float64, 0, rows*width)
		for r, row := range ls.Weights {
			if len(row) != width {
				return nil, fmt.Errorf("model %q layer %d row %d: width %d, want %d", spec.Name, i, r, len(row), width)
			}
			data = append(data, row...)
		}
		switch ls.Activation {
		case "", Linear, ReLU, Sigmoid, Softmax:
		default:
			return nil, fmt.Errorf("model %q layer %d: unknown activation %q", spec.Name, i, ls.Activation)
		}
		m.layers = append(m.layers, layer{
			w:   mat.NewDense(rows, width, data),
			b:   mat.NewVecDense(rows, append([]float64(nil), ls.Bias...)),
			act: ls.Activation,
		})
		width = rows
	}
	m.out = width

	if len(m.labels) > 0 && len(m.labels) != m.out {
		return nil, fmt.Errorf("model %q: %d labels for %d outputs", spec.Name, len(m.labels), m.out)
	}
	return m, nil
}

func (m *Model) Name() string { return m.name }

func (m *Model) InputSize() int { return m.in }

func (m *Model) OutputSize() int { return m.out }

func (m *Model) Labels() []string { return m.labels }

// Predict runs the network on input, which must have InputSize values.
func (m *Model) Predict(input []float64) ([]float64, error) {
	if len(input) != m.in {
		return nil, fmt.Errorf("model %q: input has %d values, want %d", m.name, len(input), m.in)
	}

	x := mat.NewVecDense(m.in, input)
	for _, l := range m.layers {
		rows, _ := l.w.Dims()
		y := mat.NewVecDense(rows, nil)
		y.MulVec(l.w, x)
		y.AddVec(y, l.b)
		activate(l.act, y.RawVector().Data)
		x = y
	}

	return append([]float64(nil), x.RawVector().Data...), nil
}

func activate(act Activation, v []float64) {
	switch act {
	case ReLU:
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case Sigmoid:
		for i, x := range v {
			v[i] = 1 / (1 + math.Exp(-x))
		}
	case Softmax:
		SoftmaxInPlace(v)
	}
}

// SoftmaxInPlace normalises v into a probability distribution.
func SoftmaxInPlace(v []float64) {
	if len(v) == 0 {
		return
	}
	peak := floats.Max(v)
	for i, x := range v {
		v[i] = math.Exp(x - peak)
	}
	floats.Scale(1/floats.Sum(v), v)
}
