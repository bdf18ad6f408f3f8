package traffic

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"
)

// Kind names a supported distribution family.
type Kind string

const (
	KindConstant    Kind = "constant"
	KindUniform     Kind = "uniform"
	KindNormal      Kind = "normal"
	KindTruncNorm   Kind = "truncnorm"
	KindExponential Kind = "expon"
)

var kindAliases = map[string]Kind{
	"c":           KindConstant,
	"constant":    KindConstant,
	"u":           KindUniform,
	"uniform":     KindUniform,
	"n":           KindNormal,
	"norm":        KindNormal,
	"normal":      KindNormal,
	"truncnorm":   KindTruncNorm,
	"expon":       KindExponential,
	"exponential": KindExponential,
}

// ParseKind resolves a family name, accepting the short aliases used by
// older spec files.
func ParseKind(name string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// maxResample bounds rejection sampling for families with unbounded support.
const maxResample = 1000

// Distribution is one of Constant, Uniform, Normal, TruncNorm or Exponential.
// The set is closed: values are only created by NewDistribution or the
// literals of this package.
type Distribution interface {
	Kind() Kind
	// Sample draws one value. Families with unbounded support are
	// resampled into [0,1].
	Sample(r *rand.Rand) float64
	// Params returns the named parameters in wire form.
	Params() map[string]float64

	sealed()
}

type Constant struct {
	Value float64
}

func (Constant) Kind() Kind { return KindConstant }
func (d Constant) Sample(*rand.Rand) float64 { return d.Value }
func (d Constant) Params() map[string]float64 { return map[string]float64{"value": d.Value} }
func (Constant) sealed() {}

// Uniform covers [Loc, Loc+Scale].
type Uniform struct {
	Loc   float64
	Scale float64
}

func (Uniform) Kind() Kind { return KindUniform }
func (d Uniform) Sample(r *rand.Rand) float64 { return d.Loc + d.Scale*r.Float64() }
func (d Uniform) Params() map[string]float64 { return map[string]float64{"loc": d.Loc, "scale": d.Scale} }
func (Uniform) sealed() {}

type Normal struct {
	Loc   float64
	Scale float64
}

func (Normal) Kind() Kind { return KindNormal }

func (d Normal) Sample(r *rand.Rand) float64 {
	return resample01(d.Loc, func() float64 { return d.Loc + d.Scale*r.NormFloat64() })
}

func (d Normal) Params() map[string]float64 { return map[string]float64{"loc": d.Loc, "scale": d.Scale} }
func (Normal) sealed() {}

// TruncNorm is a normal distribution truncated to [Loc+A*Scale, Loc+B*Scale];
// A and B are in standard units like scipy's truncnorm.
type TruncNorm struct {
	Loc   float64
	Scale float64
	A     float64
	B     float64
}

func (TruncNorm) Kind() Kind { return KindTruncNorm }

func (d TruncNorm) Sample(r *rand.Rand) float64 {
	lo, hi := d.Loc+d.A*d.Scale, d.Loc+d.B*d.Scale
	for i := 0; i < maxResample; i++ {
		v := d.Loc + d.Scale*r.NormFloat64()
		if v >= lo && v <= hi {
			return v
		}
	}
	return math.Min(math.Max(d.Loc, lo), hi)
}

func (d TruncNorm) Params() map[string]float64 {
	return map[string]float64{"loc": d.Loc, "scale": d.Scale, "a": d.A, "b": d.B}
}
func (TruncNorm) sealed() {}

type Exponential struct {
	Loc   float64
	Scale float64
}

func (Exponential) Kind() Kind { return KindExponential }

func (d Exponential) Sample(r *rand.Rand) float64 {
	return resample01(d.Loc, func() float64 { return d.Loc + d.Scale*r.ExpFloat64() })
}

func (d Exponential) Params() map[string]float64 {
	return map[string]float64{"loc": d.Loc, "scale": d.Scale}
}
func (Exponential) sealed() {}

func resample01(fallback float64, draw func() float64) float64 {
	for i := 0; i < maxResample; i++ {
		if v := draw(); v >= 0 && v <= 1 {
			return v
		}
	}
	return math.Min(math.Max(fallback, 0), 1)
}

var allowedParams = map[Kind][]string{
	KindConstant:    {"loc", "value"},
	KindUniform:     {"loc", "scale"},
	KindNormal:      {"loc", "scale"},
	KindTruncNorm:   {"a", "b", "loc", "scale"},
	KindExponential: {"loc", "scale"},
}

// NewDistribution builds a typed distribution from a family and its named
// parameters. Missing parameters take scipy's defaults (loc 0, scale 1);
// truncnorm bounds default to the unit interval.
func NewDistribution(kind Kind, params map[string]float64) (Distribution, error) {
	allowed, ok := allowedParams[kind]
	if !ok {
		return nil, configErr("kind", "unsupported distribution %q", kind)
	}
	for name := range params {
		i := sort.SearchStrings(allowed, name)
		if i == len(allowed) || allowed[i] != name {
			return nil, configErr("parameters", "%s does not take parameter %q", kind, name)
		}
	}

	get := func(name string, def float64) float64 {
		if v, ok := params[name]; ok {
			return v
		}
		return def
	}
	loc, scale := get("loc", 0), get("scale", 1)

	if kind != KindConstant && scale <= 0 {
		return nil, configErr("parameters", "%s scale must be positive, got %v", kind, scale)
	}

	switch kind {
	case KindConstant:
		return Constant{Value: get("value", loc)}, nil
	case KindUniform:
		return Uniform{Loc: loc, Scale: scale}, nil
	case KindNormal:
		return Normal{Loc: loc, Scale: scale}, nil
	case KindTruncNorm:
		a := get("a", (0-loc)/scale)
		b := get("b", (1-loc)/scale)
		if a >= b {
			return nil, configErr("parameters", "truncnorm needs a < b, got a=%v b=%v", a, b)
		}
		return TruncNorm{Loc: loc, Scale: scale, A: a, B: b}, nil
	default:
		return Exponential{Loc: loc, Scale: scale}, nil
	}
}
