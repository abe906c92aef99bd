package tkey

import (
	"fmt"
)

// maxIndexAttempts bounds the redraws when a random index collides with an
// excluded one.
const maxIndexAttempts = 32

// Polynomial represents a polynomial over a scalar field, lowest degree first
type Polynomial struct {
	curve        Curve
	coefficients []Scalar
}

// NewPolynomial wraps the given coefficients
func NewPolynomial(curve Curve, coefficients []Scalar) *Polynomial {
	return &Polynomial{curve: curve, coefficients: coefficients}
}

// NewRandomPolynomial creates a new random polynomial with given degree and constant term
func NewRandomPolynomial(curve Curve, degree int, constantTerm Scalar) (*Polynomial, error) {
	if degree < 0 {
		return nil, fmt.Errorf("degree must be non-negative")
	}

	coefficients := make([]Scalar, degree+1)
	coefficients[0] = constantTerm

	for i := 1; i <= degree; i++ {
		coeff, err := curve.ScalarRandom()
		if err != nil {
			return nil, ErrRandomGeneration.WithCause(err).WithDetails("coefficient %d", i)
		}
		coefficients[i] = coeff
	}

	return &Polynomial{
		curve:        curve,
		coefficients: coefficients,
	}, nil
}

// GeneratePolynomial builds a random polynomial for the given threshold with
// constant term secret. A nil secret draws a random one. Preset shares force
// the polynomial through those points; remaining degrees of freedom are filled
// with random points whose indexes avoid every index in exclude and every
// preset index.
func GeneratePolynomial(curve Curve, threshold int, secret Scalar, presetShares []*Share, exclude []Scalar) (*Polynomial, error) {
	if threshold < 1 {
		return nil, ErrInvalidThreshold.WithDetails("threshold %d", threshold)
	}
	if len(presetShares) > threshold-1 {
		return nil, ErrInvalidThreshold.WithDetails("%d preset shares leave no room for the secret at threshold %d", len(presetShares), threshold)
	}
	if secret == nil {
		var err error
		if secret, err = curve.ScalarRandom(); err != nil {
			return nil, ErrRandomGeneration.WithCause(err)
		}
	}
	if len(presetShares) == 0 {
		return NewRandomPolynomial(curve, threshold-1, secret)
	}

	points := []*Share{NewShare(curve.ScalarZero(), secret)}
	used := append([]Scalar{curve.ScalarZero()}, exclude...)
	for _, s := range presetShares {
		points = append(points, s)
		used = append(used, s.Index)
	}
	for len(points) < threshold {
		idx, err := RandomScalarExcluding(curve, used)
		if err != nil {
			return nil, err
		}
		value, err := curve.ScalarRandom()
		if err != nil {
			return nil, ErrRandomGeneration.WithCause(err)
		}
		points = append(points, NewShare(idx, value))
		used = append(used, idx)
	}
	return InterpolatePolynomial(curve, points)
}

// RandomScalarExcluding draws a random nonzero scalar not equal to any entry
// of exclude. It gives up after a bounded number of attempts.
func RandomScalarExcluding(curve Curve, exclude []Scalar) (Scalar, error) {
	for attempt := 0; attempt < maxIndexAttempts; attempt++ {
		candidate, err := curve.ScalarRandom()
		if err != nil {
			return nil, ErrRandomGeneration.WithCause(err)
		}
		if !containsScalar(exclude, candidate) {
			return candidate, nil
		}
	}
	return nil, ErrRandomGeneration.WithDetails("no unused index after %d attempts", maxIndexAttempts)
}

// InterpolatePolynomial returns the unique polynomial of degree len(points)-1
// passing through every point.
func InterpolatePolynomial(curve Curve, points []*Share) (*Polynomial, error) {
	if len(points) == 0 {
		return nil, ErrInsufficientShares.WithDetails("no points to interpolate")
	}
	if err := checkDistinctIndexes(points); err != nil {
		return nil, err
	}

	n := len(points)
	result := make([]Scalar, n)
	for i := range result {
		result[i] = curve.ScalarZero()
	}

	for i, pi := range points {
		// basis_i(x) = prod_{j!=i} (x - x_j) / (x_i - x_j)
		basis := []Scalar{curve.ScalarOne()}
		denominator := curve.ScalarOne()
		for j, pj := range points {
			if i == j {
				continue
			}
			basis = mulLinear(curve, basis, pj.Index.Negate())
			denominator = denominator.Mul(pi.Index.Sub(pj.Index))
		}
		denInv, err := denominator.Invert()
		if err != nil {
			return nil, ErrDuplicateShareIndex.WithCause(err)
		}
		factor := pi.Value.Mul(denInv)
		for k, c := range basis {
			result[k] = result[k].Add(c.Mul(factor))
		}
	}

	return &Polynomial{curve: curve, coefficients: result}, nil
}

// mulLinear multiplies poly by (x + c).
func mulLinear(curve Curve, poly []Scalar, c Scalar) []Scalar {
	out := make([]Scalar, len(poly)+1)
	for i := range out {
		out[i] = curve.ScalarZero()
	}
	for i, a := range poly {
		out[i] = out[i].Add(a.Mul(c))
		out[i+1] = out[i+1].Add(a)
	}
	return out
}

// Evaluate evaluates the polynomial at a given point
func (p *Polynomial) Evaluate(x Scalar) Scalar {
	if len(p.coefficients) == 0 {
		return p.curve.ScalarZero()
	}

	// Horner: f(x) = a0 + x(a1 + x(a2 + ...))
	result := p.coefficients[len(p.coefficients)-1]

	for i := len(p.coefficients) - 2; i >= 0; i-- {
		result = result.Mul(x).Add(p.coefficients[i])
	}

	return result
}

// Threshold is the number of points needed to recover the polynomial.
func (p *Polynomial) Threshold() int {
	return len(p.coefficients)
}

// Degree returns the degree of the polynomial
func (p *Polynomial) Degree() int {
	return len(p.coefficients) - 1
}

// Secret returns the constant term
func (p *Polynomial) Secret() Scalar {
	return p.coefficients[0]
}

// Commitments returns coefficient·G for every coefficient, lowest degree first.
func (p *Polynomial) Commitments() []Point {
	g := p.curve.BasePoint()
	out := make([]Point, len(p.coefficients))
	for i, c := range p.coefficients {
		out[i] = g.Mul(c)
	}
	return out
}

// PublicPolynomial returns the public commitment to this polynomial.
func (p *Polynomial) PublicPolynomial() *PublicPolynomial {
	return NewPublicPolynomial(p.curve, p.Commitments())
}

// GenerateShares evaluates the polynomial at every index.
func (p *Polynomial) GenerateShares(indexes []Scalar) map[string]*Share {
	out := make(map[string]*Share, len(indexes))
	for _, idx := range indexes {
		out[idx.String()] = NewShare(idx, p.Evaluate(idx))
	}
	return out
}

// Zeroize securely clears the polynomial coefficients
func (p *Polynomial) Zeroize() {
	for _, coeff := range p.coefficients {
		if coeff != nil {
			coeff.Zeroize()
		}
	}
	for i := range p.coefficients {
		p.coefficients[i] = nil
	}
	p.coefficients = nil
}

func containsScalar(set []Scalar, s Scalar) bool {
	for _, e := range set {
		if e.Equal(s) {
			return true
		}
	}
	return false
}
