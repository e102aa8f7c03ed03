// Package lora implements the low-rank weight deltas of both adaptation tiers.
//
// A Factors pair applies out = in + scale * Up·(Down·in), with Down rank×dim and Up dim×rank stored row-major.
// Published factors are immutable: writers clone, mutate the clone and swap an atomic pointer, so readers never
// observe a half-written matrix.
package lora

import (
	"math"
	"math/rand"
)

// #region factors
// Factors is one low-rank pair.
type Factors struct {
	Dim  int
	Rank int
	Down []float32 // Down[k*Dim+j]
	Up   []float32 // Up[i*Rank+k]
}

// NewFactors draws Down uniformly from [-1/sqrt(dim), 1/sqrt(dim)] and zeroes Up, so the initial delta is zero.
func NewFactors(dim, rank int, rng *rand.Rand) *Factors {
	f := &Factors{
		Dim:  dim,
		Rank: rank,
		Down: make([]float32, rank*dim),
		Up:   make([]float32, dim*rank),
	}
	bound := 1 / math.Sqrt(float64(dim))
	for i := range f.Down {
		f.Down[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return f
}

// Clone returns a deep copy.
func (f *Factors) Clone() *Factors {
	return &Factors{
		Dim:  f.Dim,
		Rank: f.Rank,
		Down: append([]float32(nil), f.Down...),
		Up:   append([]float32(nil), f.Up...),
	}
}

// Params returns the number of scalar parameters.
func (f *Factors) Params() int {
	return len(f.Down) + len(f.Up)
}

// #endregion factors

// #region forward
// Project computes h = Down·x.
func (f *Factors) Project(x []float32) []float32 {
	h := make([]float32, f.Rank)
	for k := 0; k < f.Rank; k++ {
		row := f.Down[k*f.Dim : (k+1)*f.Dim]
		var sum float64
		for j, w := range row {
			sum += float64(w) * float64(x[j])
		}
		h[k] = float32(sum)
	}
	return h
}

// ProjectUpT computes g = Upᵀ·x.
func (f *Factors) ProjectUpT(x []float32) []float32 {
	g := make([]float32, f.Rank)
	for i := 0; i < f.Dim; i++ {
		xi := float64(x[i])
		if xi == 0 {
			continue
		}
		row := f.Up[i*f.Rank : (i+1)*f.Rank]
		for k, w := range row {
			g[k] += float32(float64(w) * xi)
		}
	}
	return g
}

// Forward returns in + scale * Up·(Down·in) in a new slice.
func (f *Factors) Forward(in []float32, scale float32) []float32 {
	out := make([]float32, len(in))
	copy(out, in)
	if scale == 0 {
		return out
	}
	h := f.Project(in)
	for i := 0; i < f.Dim; i++ {
		row := f.Up[i*f.Rank : (i+1)*f.Rank]
		var sum float64
		for k, w := range row {
			sum += float64(w) * float64(h[k])
		}
		out[i] += scale * float32(sum)
	}
	return out
}

// #endregion forward

// #region params
// Flatten returns Down followed by Up as one parameter vector.
func (f *Factors) Flatten() []float32 {
	p := make([]float32, 0, f.Params())
	p = append(p, f.Down...)
	return append(p, f.Up...)
}

// FromFlat rebuilds factors of the given shape from a Flatten vector. It reports false on a length mismatch.
func FromFlat(dim, rank int, p []float32) (*Factors, bool) {
	if len(p) != 2*dim*rank {
		return nil, false
	}
	return &Factors{
		Dim:  dim,
		Rank: rank,
		Down: append([]float32(nil), p[:rank*dim]...),
		Up:   append([]float32(nil), p[rank*dim:]...),
	}, true
}

// Norm returns the Frobenius norm over both matrices.
func (f *Factors) Norm() float64 {
	var sum float64
	for _, w := range f.Down {
		sum += float64(w) * float64(w)
	}
	for _, w := range f.Up {
		sum += float64(w) * float64(w)
	}
	return math.Sqrt(sum)
}

// Finite reports whether every parameter is a finite number.
func (f *Factors) Finite() bool {
	for _, w := range f.Down {
		if !finite(w) {
			return false
		}
	}
	for _, w := range f.Up {
		if !finite(w) {
			return false
		}
	}
	return true
}

// Equal reports exact, bit-for-bit equality of shape and values.
func (f *Factors) Equal(o *Factors) bool {
	if f.Dim != o.Dim || f.Rank != o.Rank || len(f.Down) != len(o.Down) || len(f.Up) != len(o.Up) {
		return false
	}
	for i := range f.Down {
		if math.Float32bits(f.Down[i]) != math.Float32bits(o.Down[i]) {
			return false
		}
	}
	for i := range f.Up {
		if math.Float32bits(f.Up[i]) != math.Float32bits(o.Up[i]) {
			return false
		}
	}
	return true
}

// #endregion params

// #region vectors
// Fit truncates or zero-pads v to dim and scales it to unit L2 norm. A zero vector maps to the uniform unit
// direction so every input has a direction to reinforce.
func Fit(v []float32, dim int) []float32 {
	x := make([]float32, dim)
	copy(x, v)
	var sum float64
	for _, e := range x {
		sum += float64(e) * float64(e)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		u := float32(1 / math.Sqrt(float64(dim)))
		for i := range x {
			x[i] = u
		}
		return x
	}
	inv := 1 / math.Sqrt(sum)
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
	return x
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func norm(v []float32) float64 {
	var sum float64
	for _, e := range v {
		sum += float64(e) * float64(e)
	}
	return math.Sqrt(sum)
}

// #endregion vectors
