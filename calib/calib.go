/*Package calib converts raw ADC codes to physical units.

Two converters are provided.  Linear is the "manual" calibration: the full
integer code domain is mapped affinely onto a channel's configured voltage
range.  Polynomial has the shape of the vendor calibrations that are read from
a board's calibration file, a polynomial in (raw - origin).  Both satisfy
Converter and are computed once per channel, then applied to slices of raw
codes in the acquisition loop.

Basic usage:
	conv := calib.Linear(calib.Range{Min: -10, Max: 10}, calib.Domain16)
	volts := make([]float64, len(codes))
	conv.ToPhysical(volts, codes)
*/
package calib

import (
	"fmt"
	"math"
)

// Range is the physical (volt) range of a channel
type Range struct {
	Min float64 `json:"min" yaml:"Min"`
	Max float64 `json:"max" yaml:"Max"`
}

// Span returns Max-Min
func (r Range) Span() float64 {
	return r.Max - r.Min
}

// Domain is the integer code domain of a converter, inclusive on both ends
type Domain struct {
	Min int64
	Max int64
}

// Span returns Max-Min as a float
func (d Domain) Span() float64 {
	return float64(d.Max - d.Min)
}

var (
	// Domain16 is the domain of a signed 16-bit converter
	Domain16 = Domain{Min: math.MinInt16, Max: math.MaxInt16}
)

// DomainFor returns the code domain of a converter with the given number
// of bits, two's complement if signed
func DomainFor(bits int, signed bool) (Domain, error) {
	if bits < 2 || bits > 32 {
		return Domain{}, fmt.Errorf("converter bit depth %d out of range [2, 32]", bits)
	}
	if signed {
		half := int64(1) << (bits - 1)
		return Domain{Min: -half, Max: half - 1}, nil
	}
	return Domain{Min: 0, Max: int64(1)<<bits - 1}, nil
}

// Converter maps raw codes to physical values
type Converter interface {
	// ToPhysical converts raw into dst.  len(dst) must be >= len(raw)
	ToPhysical(dst []float64, raw []int16)

	// Physical converts a single code
	Physical(raw int64) float64
}

// LinearConverter is an affine map physical = Offset + raw*Gain
type LinearConverter struct {
	Offset float64
	Gain   float64
	Domain Domain
}

// Linear computes the affine converter that maps the bounds of d onto the
// bounds of r.  The offset term carries the origin correction so that d.Min
// lands exactly on r.Min
func Linear(r Range, d Domain) LinearConverter {
	gain := r.Span() / d.Span()
	return LinearConverter{
		Offset: r.Min - float64(d.Min)*gain,
		Gain:   gain,
		Domain: d,
	}
}

// ToPhysical converts raw into dst
func (l LinearConverter) ToPhysical(dst []float64, raw []int16) {
	dst = dst[:len(raw)]
	for i, v := range raw {
		dst[i] = l.Offset + float64(v)*l.Gain
	}
}

// Physical converts a single code
func (l LinearConverter) Physical(raw int64) float64 {
	return l.Offset + float64(raw)*l.Gain
}

// ToRaw is the inverse of Physical, rounded to the nearest code and clamped
// to the domain
func (l LinearConverter) ToRaw(v float64) int64 {
	code := math.Round((v - l.Offset) / l.Gain)
	if code < float64(l.Domain.Min) {
		return l.Domain.Min
	}
	if code > float64(l.Domain.Max) {
		return l.Domain.Max
	}
	return int64(code)
}

// Step is the physical size of one code
func (l LinearConverter) Step() float64 {
	return math.Abs(l.Gain)
}

// Polynomial is a vendor-style calibration,
// physical = sum_i Coefficients[i] * (raw - Origin)^i
type Polynomial struct {
	Coefficients []float64 `yaml:"Coefficients"`
	Origin       float64   `yaml:"Origin"`
}

// Physical converts a single code with Horner's method
func (p Polynomial) Physical(raw int64) float64 {
	x := float64(raw) - p.Origin
	acc := 0.
	for i := len(p.Coefficients) - 1; i >= 0; i-- {
		acc = acc*x + p.Coefficients[i]
	}
	return acc
}

// ToPhysical converts raw into dst
func (p Polynomial) ToPhysical(dst []float64, raw []int16) {
	dst = dst[:len(raw)]
	for i, v := range raw {
		dst[i] = p.Physical(int64(v))
	}
}

// For returns the converter for a channel, preferring a vendor polynomial
// when one with at least one coefficient is given
func For(r Range, d Domain, vendor *Polynomial) Converter {
	if vendor != nil && len(vendor.Coefficients) > 0 {
		return *vendor
	}
	return Linear(r, d)
}
