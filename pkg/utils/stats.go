package utils

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Sum adds all values.
func Sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

// StdDev is the sample standard deviation (n-1). Fewer than two values yield 0.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// CoefficientOfVariation is stddev/|mean|; ok is false when the mean is zero.
func CoefficientOfVariation(xs []float64) (float64, bool) {
	m := Mean(xs)
	if m == 0 {
		return 0, false
	}
	return StdDev(xs) / math.Abs(m), true
}

// ZScore of x against mean m and stddev sd; 0 when sd is 0.
func ZScore(x, m, sd float64) float64 {
	if sd == 0 {
		return 0
	}
	return (x - m) / sd
}

// Quantile uses linear interpolation between closest ranks (type 7).
func Quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// IQRFences returns Tukey fences (q1 - k*iqr, q3 + k*iqr).
func IQRFences(xs []float64, k float64) (lower, upper float64) {
	q1 := Quantile(xs, 0.25)
	q3 := Quantile(xs, 0.75)
	iqr := q3 - q1
	return q1 - k*iqr, q3 + k*iqr
}

// Regression holds an ordinary least squares fit y = Intercept + Slope*x.
type Regression struct {
	Slope     float64
	Intercept float64
	RSquared  float64
	N         int
}

// LinearRegression fits ys against x = 0..n-1.
func LinearRegression(ys []float64) Regression {
	n := len(ys)
	if n == 0 {
		return Regression{}
	}
	if n == 1 {
		return Regression{Intercept: ys[0], N: 1}
	}
	var sx, sy, sxx, sxy float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	fn := float64(n)
	den := fn*sxx - sx*sx
	if den == 0 {
		return Regression{Intercept: sy / fn, N: n}
	}
	slope := (fn*sxy - sx*sy) / den
	intercept := (sy - slope*sx) / fn

	meanY := sy / fn
	var ssTot, ssRes float64
	for i, y := range ys {
		pred := intercept + slope*float64(i)
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	r2 := 1.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	return Regression{Slope: slope, Intercept: intercept, RSquared: Clamp(r2, 0, 1), N: n}
}
