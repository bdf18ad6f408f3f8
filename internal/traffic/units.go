package traffic

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var unitPattern = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([a-zA-Z]*)$`)

// Binary multipliers, so "1G" is 2^30 bytes.
var unitMultipliers = map[string]float64{
	"":   1,
	"B":  1,
	"k":  1 << 10,
	"K":  1 << 10,
	"kB": 1 << 10,
	"KB": 1 << 10,
	"M":  1 << 20,
	"MB": 1 << 20,
	"G":  1 << 30,
	"GB": 1 << 30,
	"T":  1 << 40,
	"TB": 1 << 40,
	"P":  1 << 50,
	"PB": 1 << 50,
}

// ByteSize is an amount of bytes (or bytes per second for rates). The text
// it was parsed from is kept so worker commands can pass it through as-is.
type ByteSize struct {
	Bytes float64
	text  string
}

// Bytes returns a ByteSize without a source text.
func Bytes(n float64) ByteSize {
	return ByteSize{Bytes: n}
}

// ParseByteSize parses "1024", "1.5M", "6G", "512kB".
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	m := unitPattern.FindStringSubmatch(s)
	if m == nil {
		return ByteSize{}, fmt.Errorf("invalid size %q", s)
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ByteSize{}, fmt.Errorf("invalid size %q: %w", s, err)
	}
	mult, ok := unitMultipliers[m[2]]
	if !ok {
		return ByteSize{}, fmt.Errorf("invalid size %q: unknown unit %q", s, m[2])
	}
	return ByteSize{Bytes: val * mult, text: m[1] + m[2]}, nil
}

// Int64 rounds down to whole bytes.
func (b ByteSize) Int64() int64 {
	return int64(math.Floor(b.Bytes))
}

// String returns the original text, or the whole byte count.
func (b ByteSize) String() string {
	if b.text != "" {
		return b.text
	}
	return strconv.FormatInt(b.Int64(), 10)
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	if b.text != "" {
		return json.Marshal(b.text)
	}
	return json.Marshal(b.Bytes)
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize{Bytes: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("size must be a number or a string: %w", err)
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	if b.text != "" {
		return b.text, nil
	}
	return b.Bytes, nil
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		n, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*b = ByteSize{Bytes: n}
		return nil
	}
	parsed, err := ParseByteSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = parsed
	return nil
}
