package traffic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TrafficSpec is a declarative description of one experiment.
type TrafficSpec struct {
	Destination  string
	SourceSubnet netip.Prefix
	Phases       []Phase
}

// Phase is one timed segment of an experiment. StartOffset is only set on
// phases returned by a Schedule.
type Phase struct {
	Sources     Mixture
	Rate        ByteSize
	Size        ByteSize
	Concurrency int
	Duration    time.Duration
	StartOffset time.Duration
}

// TotalDuration is the sum of all phase durations.
func (s *TrafficSpec) TotalDuration() time.Duration {
	var d time.Duration
	for _, p := range s.Phases {
		d += p.Duration
	}
	return d
}

// Subnet returns the source subnet, defaulting to the full IPv4 space.
func (s *TrafficSpec) Subnet() netip.Prefix {
	if s.SourceSubnet.IsValid() {
		return s.SourceSubnet
	}
	return FullSpace
}

// Validate checks every field; the error wraps ErrConfiguration.
func (s *TrafficSpec) Validate() error {
	if strings.TrimSpace(s.Destination) == "" {
		return configErr("destination", "required")
	}
	if !ValidDestination(s.Destination) {
		return configErr("destination", "must be an IP address or host name, got %q", s.Destination)
	}
	if s.SourceSubnet.IsValid() && !s.SourceSubnet.Addr().Is4() {
		return configErr("sourceSubnet", "must be an IPv4 prefix")
	}
	if len(s.Phases) == 0 {
		return configErr("phases", "at least one phase is required")
	}
	for i, p := range s.Phases {
		field := fmt.Sprintf("phases[%d]", i)
		if err := p.Sources.validate(field + ".sourceMixture"); err != nil {
			return err
		}
		if p.Rate.Bytes <= 0 {
			return configErr(field+".rate", "must be positive")
		}
		if p.Size.Bytes <= 0 {
			return configErr(field+".size", "must be positive")
		}
		if p.Concurrency < 0 {
			return configErr(field+".concurrency", "must not be negative, got %d", p.Concurrency)
		}
		if p.Duration <= 0 {
			return configErr(field+".duration", "must be positive, got %s", p.Duration)
		}
	}
	return nil
}

var hostLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// ValidDestination reports whether dst is an IP address without a zone or an
// RFC 1123 host name. Destinations end up in worker command lines, so
// anything else is rejected.
func ValidDestination(dst string) bool {
	if addr, err := netip.ParseAddr(dst); err == nil {
		return addr.Zone() == ""
	}
	if len(dst) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(dst, "."), ".") {
		if !hostLabel.MatchString(label) {
			return false
		}
	}
	return true
}

// --- wire format ---

type specWire struct {
	Destination  string      `json:"destination,omitempty" yaml:"destination,omitempty"`
	Dst          string      `json:"dst,omitempty" yaml:"dst,omitempty"`
	SourceSubnet string      `json:"sourceSubnet,omitempty" yaml:"sourceSubnet,omitempty"`
	Phases       []phaseWire `json:"phases,omitempty" yaml:"phases,omitempty"`
	Shapes       []phaseWire `json:"shapes,omitempty" yaml:"shapes,omitempty"`
}

type phaseWire struct {
	SourceMixture []componentWire `json:"sourceMixture,omitempty" yaml:"sourceMixture,omitempty"`
	Src           []componentWire `json:"src,omitempty" yaml:"src,omitempty"`
	Rate          ByteSize        `json:"rate" yaml:"rate"`
	Size          ByteSize        `json:"size" yaml:"size"`
	Concurrency   *int            `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Clients       *int            `json:"clients,omitempty" yaml:"clients,omitempty"`
	Duration      seconds         `json:"duration" yaml:"duration"`
	StartOffset   *seconds        `json:"startOffset,omitempty" yaml:"startOffset,omitempty"`
}

type componentWire struct {
	Kind       string             `json:"kind,omitempty" yaml:"kind,omitempty"`
	Name       string             `json:"name,omitempty" yaml:"name,omitempty"`
	Parameters map[string]float64 `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Loc        *float64           `json:"loc,omitempty" yaml:"loc,omitempty"`
	Scale      *float64           `json:"scale,omitempty" yaml:"scale,omitempty"`
	Weight     *float64           `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// seconds is a duration written as a number of seconds or a Go duration string.
type seconds time.Duration

func parseSeconds(s string) (seconds, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return secondsFromFloat(f)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return seconds(d), nil
}

func secondsFromFloat(f float64) (seconds, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("invalid duration %v", f)
	}
	return seconds(f * float64(time.Second)), nil
}

func (d seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func (d *seconds) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		v, err := secondsFromFloat(f)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a number of seconds or a string: %w", err)
	}
	v, err := parseSeconds(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d seconds) MarshalYAML() (any, error) {
	return time.Duration(d).Seconds(), nil
}

func (d *seconds) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSeconds(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = v
	return nil
}

func (w *specWire) toSpec() (*TrafficSpec, error) {
	spec := &TrafficSpec{Destination: w.Destination}
	if spec.Destination == "" {
		spec.Destination = w.Dst
	}
	if w.SourceSubnet != "" {
		prefix, err := netip.ParsePrefix(w.SourceSubnet)
		if err != nil {
			return nil, configErr("sourceSubnet", "%v", err)
		}
		spec.SourceSubnet = prefix
	}

	phases := w.Phases
	if len(phases) == 0 {
		phases = w.Shapes
	}
	for i, pw := range phases {
		field := fmt.Sprintf("phases[%d]", i)
		p := Phase{
			Rate:     pw.Rate,
			Size:     pw.Size,
			Duration: time.Duration(pw.Duration),
		}
		switch {
		case pw.Concurrency != nil:
			p.Concurrency = *pw.Concurrency
		case pw.Clients != nil:
			p.Concurrency = *pw.Clients
		default:
			return nil, configErr(field+".concurrency", "required")
		}

		comps := pw.SourceMixture
		if len(comps) == 0 {
			comps = pw.Src
		}
		for j, cw := range comps {
			c, err := cw.toComponent(fmt.Sprintf("%s.sourceMixture[%d]", field, j))
			if err != nil {
				return nil, err
			}
			p.Sources = append(p.Sources, c)
		}
		spec.Phases = append(spec.Phases, p)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (cw componentWire) toComponent(field string) (Component, error) {
	name := cw.Kind
	if name == "" {
		name = cw.Name
	}
	if name == "" {
		return Component{}, configErr(field+".kind", "required")
	}
	kind, ok := ParseKind(name)
	if !ok {
		return Component{}, configErr(field+".kind", "unsupported distribution %q", name)
	}

	params := make(map[string]float64, len(cw.Parameters)+2)
	for k, v := range cw.Parameters {
		params[k] = v
	}
	if cw.Loc != nil {
		params["loc"] = *cw.Loc
	}
	if cw.Scale != nil {
		params["scale"] = *cw.Scale
	}
	dist, err := NewDistribution(kind, params)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Field = field + "." + ce.Field
		}
		return Component{}, err
	}

	weight := 1.0
	if cw.Weight != nil {
		weight = *cw.Weight
	}
	return Component{Dist: dist, Weight: weight}, nil
}

func (s *TrafficSpec) toWire() specWire {
	w := specWire{Destination: s.Destination}
	if s.SourceSubnet.IsValid() {
		w.SourceSubnet = s.SourceSubnet.String()
	}
	for _, p := range s.Phases {
		conc := p.Concurrency
		pw := phaseWire{
			Rate:        p.Rate,
			Size:        p.Size,
			Concurrency: &conc,
			Duration:    seconds(p.Duration),
		}
		if p.StartOffset > 0 {
			off := seconds(p.StartOffset)
			pw.StartOffset = &off
		}
		for _, c := range p.Sources {
			weight := c.Weight
			pw.SourceMixture = append(pw.SourceMixture, componentWire{
				Kind:       string(c.Dist.Kind()),
				Parameters: c.Dist.Params(),
				Weight:     &weight,
			})
		}
		w.Phases = append(w.Phases, pw)
	}
	return w
}

func (s TrafficSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toWire())
}

func (s *TrafficSpec) UnmarshalJSON(data []byte) error {
	var w specWire
	if err := json.Unmarshal(data, &w); err != nil {
		return &ConfigError{Msg: err.Error()}
	}
	spec, err := w.toSpec()
	if err != nil {
		return err
	}
	*s = *spec
	return nil
}

func (s TrafficSpec) MarshalYAML() (any, error) {
	return s.toWire(), nil
}

// Parse decodes a JSON or YAML spec and validates it.
func Parse(data []byte) (*TrafficSpec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, configErr("", "empty spec")
	}
	var w specWire
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&w); err != nil {
			return nil, configErr("", "decode json: %v", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&w); err != nil {
			return nil, configErr("", "decode yaml: %v", err)
		}
	}
	return w.toSpec()
}

// Decode reads a whole spec from r.
func Decode(r io.Reader) (*TrafficSpec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	return Parse(data)
}

// DecodeFile reads a spec from path; "-" reads standard input.
func DecodeFile(path string) (*TrafficSpec, error) {
	if path == "-" {
		return Decode(os.Stdin)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", path, err)
	}
	return Parse(data)
}

// Summary is a short human readable description of the spec's phases.
func (s *TrafficSpec) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dst=%s phases=%d total=%s", s.Destination, len(s.Phases), s.TotalDuration())
	for i, p := range s.Phases {
		kinds := make([]string, 0, len(p.Sources))
		for _, c := range p.Sources {
			kinds = append(kinds, string(c.Dist.Kind()))
		}
		sort.Strings(kinds)
		fmt.Fprintf(&b, "\n  [%d] clients=%d rate=%s size=%s duration=%s src=%s",
			i, p.Concurrency, p.Rate, p.Size, p.Duration, strings.Join(kinds, "+"))
	}
	return b.String()
}
