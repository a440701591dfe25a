package lorasim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidDistanceMatrix is returned for a matrix that cannot describe
// the simulated topology.
var ErrInvalidDistanceMatrix = errors.New("invalid distance matrix")

// PropagationModel maps the distance between a sender and a receiver to the
// complex coefficient applied to every sample crossing that link.
type PropagationModel interface {
	Coefficient(distance float64) complex64
}

// PropagationFunc adapts a function to PropagationModel.
type PropagationFunc func(distance float64) complex64

func (f PropagationFunc) Coefficient(distance float64) complex64 {
	return f(distance)
}

// InverseCubeModel attenuates by (d+1)^-3 with a fixed 45 degree phase:
//
//	c(d) = (1+1i) * (d+1)^-3 / sqrt(2)
//
// The +1 floor keeps the coefficient finite at zero distance.
type InverseCubeModel struct{}

func (InverseCubeModel) Coefficient(distance float64) complex64 {
	g := math.Pow(distance+1, -3) / math.Sqrt2
	return complex(float32(g), float32(g))
}

// UnityModel passes every link through unchanged. Useful for loopback
// tests where the channel should be transparent.
type UnityModel struct{}

func (UnityModel) Coefficient(float64) complex64 {
	return 1
}

// PropagationModelByName resolves a configured model name.
func PropagationModelByName(name string) (PropagationModel, error) {
	switch name {
	case "", "inverse_cube":
		return InverseCubeModel{}, nil
	case "unity":
		return UnityModel{}, nil
	default:
		return nil, fmt.Errorf("unknown propagation model %q", name)
	}
}

// NewDistanceMatrix builds a square distance matrix from rows.
func NewDistanceMatrix(rows [][]float64) (*mat.Dense, error) {
	n := len(rows)
	if n == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidDistanceMatrix)
	}
	data := make([]float64, 0, n*n)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidDistanceMatrix, i, len(row), n)
		}
		data = append(data, row...)
	}
	m := mat.NewDense(n, n, data)
	if err := validateDistances(m); err != nil {
		return nil, err
	}
	return m, nil
}

// validateDistances rejects negative, NaN and infinite entries. Symmetry
// is conventional and not enforced.
func validateDistances(m mat.Matrix) error {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d := m.At(i, j)
			if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
				return fmt.Errorf("%w: distance[%d][%d] = %v", ErrInvalidDistanceMatrix, i, j, d)
			}
		}
	}
	return nil
}
