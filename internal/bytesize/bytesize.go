// Package bytesize provides a byte-count type that formats and parses
// human-readable sizes ("512Ki", "2Gi", "100MB"). Used for log output and
// for the wire protocol's frame-size limits.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize represents a size in bytes.
//
// Supported formats when parsing:
//   - Plain numbers: 1024, 1073741824
//   - Binary units (x1024): Ki/KiB, Mi/MiB, Gi/GiB, Ti/TiB
//   - Decimal units (x1000): K/KB, M/MB, G/GB, T/TB
type ByteSize uint64

const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

var byteSizePattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([a-z]*)\s*$`)

var unitMultipliers = map[string]ByteSize{
	"": B, "b": B,
	"k": KB, "kb": KB,
	"m": MB, "mb": MB,
	"g": GB, "gb": GB,
	"t": TB, "tb": TB,
	"ki": KiB, "kib": KiB,
	"mi": MiB, "mib": MiB,
	"gi": GiB, "gib": GiB,
	"ti": TiB, "tib": TiB,
}

// Parse parses a human-readable byte size string.
func Parse(s string) (ByteSize, error) {
	m := byteSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}

	mult, ok := unitMultipliers[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit %q", m[2])
	}

	return ByteSize(value * float64(mult)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so byte sizes can be used
// directly in configuration structs.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// String formats the size with the largest binary unit that divides cleanly
// enough to read ("1.5MiB", "17B").
func (b ByteSize) String() string {
	switch {
	case b >= TiB:
		return formatUnit(b, TiB, "TiB")
	case b >= GiB:
		return formatUnit(b, GiB, "GiB")
	case b >= MiB:
		return formatUnit(b, MiB, "MiB")
	case b >= KiB:
		return formatUnit(b, KiB, "KiB")
	default:
		return fmt.Sprintf("%dB", uint64(b))
	}
}

func formatUnit(b, unit ByteSize, suffix string) string {
	v := float64(b) / float64(unit)
	if v == float64(uint64(v)) {
		return fmt.Sprintf("%d%s", uint64(v), suffix)
	}
	return fmt.Sprintf("%.1f%s", v, suffix)
}
