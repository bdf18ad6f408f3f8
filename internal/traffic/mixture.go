package traffic

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"
)

// Component is one weighted member of a source-address mixture.
type Component struct {
	Dist   Distribution
	Weight float64
}

// Mixture is a weighted set of distributions. Weights need not sum to 1.
type Mixture []Component

func (m Mixture) validate(field string) error {
	if len(m) == 0 {
		return configErr(field, "mixture is empty")
	}
	total := 0.0
	for _, c := range m {
		if c.Dist == nil {
			return configErr(field, "mixture component without distribution")
		}
		if c.Weight < 0 || math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) {
			return configErr(field, "invalid weight %v", c.Weight)
		}
		total += c.Weight
	}
	if total <= 0 {
		return configErr(field, "weights sum to zero")
	}
	return nil
}

// FullSpace is the IPv4 prefix covering every address.
var FullSpace = netip.PrefixFrom(netip.IPv4Unspecified(), 0)

// Sampler draws source addresses from mixtures. It is safe for concurrent use.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler returns a sampler seeded with seed, or from the clock if seed is 0.
func NewSampler(seed uint64) *Sampler {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Sample picks a component with probability proportional to its weight and
// draws one value from it.
func (s *Sampler) Sample(m Mixture) (float64, error) {
	if err := m.validate("sourceMixture"); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(m) == 1 {
		return m[0].Dist.Sample(s.rng), nil
	}

	total := 0.0
	for _, c := range m {
		total += c.Weight
	}
	target := s.rng.Float64() * total
	idx := len(m) - 1
	for i, c := range m {
		if target < c.Weight {
			idx = i
			break
		}
		target -= c.Weight
	}
	// Skip trailing zero-weight components hit through rounding.
	for idx > 0 && m[idx].Weight == 0 {
		idx--
	}
	return m[idx].Dist.Sample(s.rng), nil
}

// Address samples the mixture and maps the value onto an address in subnet.
func (s *Sampler) Address(m Mixture, subnet netip.Prefix) (netip.Addr, error) {
	v, err := s.Sample(m)
	if err != nil {
		return netip.Addr{}, err
	}
	return FractionToAddr(v, subnet), nil
}

// FractionToAddr treats v as a fraction of subnet's address range. With the
// full IPv4 space 0.5 maps to 128.0.0.0. Values outside [0,1) are clamped to
// the first or last address.
func FractionToAddr(v float64, subnet netip.Prefix) netip.Addr {
	if !subnet.IsValid() || !subnet.Addr().Is4() {
		subnet = FullSpace
	}
	subnet = subnet.Masked()

	base4 := subnet.Addr().As4()
	base := binary.BigEndian.Uint32(base4[:])
	size := uint64(1) << (32 - subnet.Bits())

	var off uint64
	switch {
	case math.IsNaN(v) || v <= 0:
		off = 0
	case v >= 1:
		off = size - 1
	default:
		off = uint64(v * float64(size))
		if off >= size {
			off = size - 1
		}
	}

	var out [4]byte
	binary.BigEndian.PutUint32(out[:], base+uint32(off))
	return netip.AddrFrom4(out)
}
