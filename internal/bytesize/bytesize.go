// Package bytesize provides a byte count type that converts to and from
// human-readable strings such as "1Mi", "512Ki" or "100MB". Configuration
// fields like the request body cap are declared as ByteSize so both plain
// numbers and suffixed strings work in config files and environment
// variables.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes.
//
// Supported formats when parsing:
//   - Plain numbers: 1024, 1048576
//   - Binary units (x1024): Ki/KiB, Mi/MiB, Gi/GiB, Ti/TiB
//   - Decimal units (x1000): K/KB, M/MB, G/GB, T/TB
//   - Bytes: B
//
// The underlying type is int64 so values can be handed directly to
// http.MaxBytesReader and io.LimitReader.
type ByteSize int64

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

// sizePattern matches a decimal number followed by an optional unit suffix.
var sizePattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([a-z]*)\s*$`)

var unitMultipliers = map[string]ByteSize{
	"":    B,
	"b":   B,
	"k":   KB,
	"kb":  KB,
	"m":   MB,
	"mb":  MB,
	"g":   GB,
	"gb":  GB,
	"t":   TB,
	"tb":  TB,
	"ki":  KiB,
	"kib": KiB,
	"mi":  MiB,
	"mib": MiB,
	"gi":  GiB,
	"gib": GiB,
	"ti":  TiB,
	"tib": TiB,
}

// Parse parses a human-readable byte size string such as "1Gi", "500Mi",
// "100MB" or "1024".
func Parse(s string) (ByteSize, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid byte size format: %q", s)
	}

	multiplier, ok := unitMultipliers[strings.ToLower(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit: %q", matches[2])
	}

	// Fractional sizes like "1.5Gi" are allowed; the result is truncated
	// to whole bytes.
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in byte size: %q", matches[1])
	}

	return ByteSize(num * float64(multiplier)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so ByteSize fields work
// with mapstructure, yaml and flag parsing.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// MarshalText implements encoding.TextMarshaler. The output round-trips
// through Parse.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// String returns a human-readable representation of the byte size. Values
// that are an exact multiple of a binary unit render without a fraction.
func (b ByteSize) String() string {
	format := func(unit ByteSize, suffix string) string {
		if b%unit == 0 {
			return fmt.Sprintf("%d%s", int64(b/unit), suffix)
		}
		return fmt.Sprintf("%.2f%s", float64(b)/float64(unit), suffix)
	}
	switch {
	case b >= TiB:
		return format(TiB, "TiB")
	case b >= GiB:
		return format(GiB, "GiB")
	case b >= MiB:
		return format(MiB, "MiB")
	case b >= KiB:
		return format(KiB, "KiB")
	default:
		return fmt.Sprintf("%dB", int64(b))
	}
}

// Int64 returns the ByteSize as an int64.
func (b ByteSize) Int64() int64 {
	return int64(b)
}
