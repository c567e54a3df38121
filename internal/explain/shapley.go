package explain

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sync"
)

// ExactLimit is the largest feature count for which every coalition is
// enumerated. Above it, attribution samples permutations.
const ExactLimit = 12

// Sampling defaults for wide vectors.
const (
	DefaultSamples = 256
	DefaultSeed    = 1
)

// masks evaluated per worker job in exact mode.
const chunkSize = 64

// Target is the function being explained. It must not retain x.
type Target func(x []float64) (float64, error)

// Attributor assigns each feature its additive contribution to a score.
type Attributor interface {
	Attribute(ctx context.Context, x []float64) ([]float64, error)
}

// AttributorFunc adapts a function to Attributor.
type AttributorFunc func(ctx context.Context, x []float64) ([]float64, error)

// Attribute implements Attributor.
func (f AttributorFunc) Attribute(ctx context.Context, x []float64) ([]float64, error) {
	return f(ctx, x)
}

// Shapley computes Shapley values of a target against a single background
// vector: features outside a coalition take their background value.
//
// The sum of the values equals target(x) - target(background). Results are
// reduced in a fixed order, so repeated calls return identical values.
type Shapley struct {
	target     Target
	background []float64
	workers    int
	samples    int
	seed       uint64
}

// ShapleyOption configures a Shapley attributor.
type ShapleyOption func(*Shapley)

// WithWorkers bounds the number of concurrent target evaluations.
func WithWorkers(n int) ShapleyOption {
	return func(s *Shapley) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithSamples sets the number of permutations drawn for wide vectors.
func WithSamples(n int) ShapleyOption {
	return func(s *Shapley) {
		if n > 0 {
			s.samples = n
		}
	}
}

// WithSeed fixes the permutation sampler seed.
func WithSeed(seed uint64) ShapleyOption {
	return func(s *Shapley) {
		s.seed = seed
	}
}

// NewShapley builds an attributor for target. A nil background means all
// zeros of width len(x) at call time.
func NewShapley(target Target, background []float64, opts ...ShapleyOption) *Shapley {
	s := &Shapley{
		target:     target,
		background: background,
		workers:    8,
		samples:    DefaultSamples,
		seed:       DefaultSeed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attribute implements Attributor.
func (s *Shapley) Attribute(ctx context.Context, x []float64) ([]float64, error) {
	if len(x) == 0 {
		return nil, errors.New("empty feature vector")
	}
	bg := s.background
	if bg == nil {
		bg = make([]float64, len(x))
	}
	if len(bg) != len(x) {
		return nil, fmt.Errorf("background has %d values, vector has %d", len(bg), len(x))
	}
	if len(x) <= ExactLimit {
		return s.exact(ctx, x, bg)
	}
	return s.sampled(ctx, x, bg)
}

func (s *Shapley) exact(ctx context.Context, x, bg []float64) ([]float64, error) {
	m := len(x)
	n := 1 << m
	values := make([]float64, n)

	jobs := (n + chunkSize - 1) / chunkSize
	err := s.run(ctx, jobs, func(job int) error {
		z := make([]float64, m)
		hi := min((job+1)*chunkSize, n)
		for mask := job * chunkSize; mask < hi; mask++ {
			for j := 0; j < m; j++ {
				if mask&(1<<j) != 0 {
					z[j] = x[j]
				} else {
					z[j] = bg[j]
				}
			}
			v, err := s.target(z)
			if err != nil {
				return err
			}
			values[mask] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// weight[k] = k!(m-k-1)!/m! = 1 / (m * C(m-1, k))
	weight := make([]float64, m)
	for k := 0; k < m; k++ {
		weight[k] = 1 / (float64(m) * binomial(m-1, k))
	}

	phi := make([]float64, m)
	for i := 0; i < m; i++ {
		bit := 1 << i
		for mask := 0; mask < n; mask++ {
			if mask&bit != 0 {
				continue
			}
			phi[i] += weight[bits.OnesCount(uint(mask))] * (values[mask|bit] - values[mask])
		}
	}
	return phi, nil
}

func (s *Shapley) sampled(ctx context.Context, x, bg []float64) ([]float64, error) {
	m := len(x)
	rng := rand.New(rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15))
	perms := make([][]int, s.samples)
	for p := range perms {
		perms[p] = rng.Perm(m)
	}

	contrib := make([][]float64, s.samples)
	err := s.run(ctx, s.samples, func(job int) error {
		z := make([]float64, m)
		copy(z, bg)
		prev, err := s.target(z)
		if err != nil {
			return err
		}
		c := make([]float64, m)
		for _, j := range perms[job] {
			z[j] = x[j]
			cur, err := s.target(z)
			if err != nil {
				return err
			}
			c[j] = cur - prev
			prev = cur
		}
		contrib[job] = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	phi := make([]float64, m)
	for _, c := range contrib {
		for j, v := range c {
			phi[j] += v
		}
	}
	for j := range phi {
		phi[j] /= float64(s.samples)
	}
	return phi, nil
}

// run executes jobs on at most s.workers goroutines and returns the error
// of the lowest-numbered failing job.
func (s *Shapley) run(ctx context.Context, jobs int, fn func(job int) error) error {
	errs := make([]error, jobs)
	var wg sync.WaitGroup

	sem := make(chan struct{}, s.workers)

	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}
			errs[idx] = fn(idx)
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func binomial(n, k int) float64 {
	if k > n-k {
		k = n - k
	}
	r := 1.0
	for i := 1; i <= k; i++ {
		r = r * float64(n-k+i) / float64(i)
	}
	return r
}
