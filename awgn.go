package lorasim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrInvalidSigma is returned for a negative or non-finite noise deviation.
var ErrInvalidSigma = errors.New("noise sigma must be finite and non-negative")

// NoiseInjector adds complex white Gaussian noise to samples. The noise is
// drawn from a seeded generator so runs are reproducible.
type NoiseInjector struct {
	sigma float64
	noise distuv.Normal
}

// NewNoiseInjector creates an injector with standard deviation sigma per
// component, seeded with seed.
func NewNoiseInjector(sigma float64, seed uint64) (*NoiseInjector, error) {
	if sigma < 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSigma, sigma)
	}
	return &NoiseInjector{
		sigma: sigma,
		noise: distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewPCG(seed, seed)},
	}, nil
}

// Sigma returns the per-component standard deviation.
func (n *NoiseInjector) Sigma() float64 {
	return n.sigma
}

// Work writes in[j] plus noise to out[j] for min(len(in), len(out))
// samples and returns that count. out and in may alias.
func (n *NoiseInjector) Work(out, in []complex64) int {
	m := min(len(in), len(out))
	for j := 0; j < m; j++ {
		re := n.noise.Rand()
		im := n.noise.Rand()
		out[j] = in[j] + complex(float32(re), float32(im))
	}
	return m
}

// NoisySource is a SampleReader that perturbs everything read from an
// upstream SampleReader.
type NoisySource struct {
	src   SampleReader
	noise *NoiseInjector
}

// NewNoisySource wraps src with noise.
func NewNoisySource(src SampleReader, noise *NoiseInjector) *NoisySource {
	return &NoisySource{src: src, noise: noise}
}

// ReadSamples reads from the upstream source and adds noise in place. The
// upstream error, including io.EOF, is passed through once every sample
// read has been forwarded.
func (s *NoisySource) ReadSamples(ctx context.Context, buf []complex64) (int, error) {
	n, err := s.src.ReadSamples(ctx, buf)
	if n > 0 {
		s.noise.Work(buf[:n], buf[:n])
	}
	return n, err
}

// MeasureNoise estimates the standard deviation of the real and imaginary
// components of samples.
func MeasureNoise(samples []complex64) (sigmaRe, sigmaIm float64) {
	if len(samples) < 2 {
		return 0, 0
	}
	re := make([]float64, len(samples))
	im := make([]float64, len(samples))
	for i, s := range samples {
		re[i] = float64(real(s))
		im[i] = float64(imag(s))
	}
	return stat.StdDev(re, nil), stat.StdDev(im, nil)
}
