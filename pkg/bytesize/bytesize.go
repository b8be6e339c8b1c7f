// Package bytesize parses and formats byte sizes and transfer rates.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// Network rate units (bits per second, using SI units).
const (
	Kbps int64 = 1000 / 8        // kilobits per second in bytes
	Mbps int64 = 1000 * 1000 / 8 // megabits per second in bytes
	Gbps int64 = 1000 * 1000 * 1000 / 8
)

var (
	// sizePattern matches size strings like "100MB", "1.5 GB", "1024"
	sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

	// ratePattern matches rate strings like "10mbps", "100KB/s"
	ratePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]+)\s*$`)
)

// Parse parses a byte size string like "100MB", "1.5GB", "1MiB" or "1024"
// into bytes. All units are binary. If no unit is specified, bytes are
// assumed.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var multiplier int64
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		multiplier = B
	case "KB", "K", "KI", "KIB":
		multiplier = KB
	case "MB", "M", "MI", "MIB":
		multiplier = MB
	case "GB", "G", "GI", "GIB":
		multiplier = GB
	case "TB", "T", "TI", "TIB":
		multiplier = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format formats a byte count into a human-readable string.
func Format(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}

	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}

	return fmt.Sprintf("%d B", bytes)
}

// ParseRate parses a transfer rate like "800mbps" or "100MB/s" into bytes
// per second.
// Supported formats:
//   - Bits: bps, kbps, mbps, gbps (SI units, case-insensitive)
//   - Bytes: B/s, KB/s, MB/s, GB/s (binary units)
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty rate string")
	}

	matches := ratePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid rate format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var bytesPerSec int64
	switch strings.ToLower(matches[2]) {
	case "bps":
		bytesPerSec = int64(value / 8)
	case "kbps":
		bytesPerSec = int64(value * float64(Kbps))
	case "mbps":
		bytesPerSec = int64(value * float64(Mbps))
	case "gbps":
		bytesPerSec = int64(value * float64(Gbps))

	case "b/s":
		bytesPerSec = int64(value)
	case "kb/s", "kib/s":
		bytesPerSec = int64(value * float64(KB))
	case "mb/s", "mib/s":
		bytesPerSec = int64(value * float64(MB))
	case "gb/s", "gib/s":
		bytesPerSec = int64(value * float64(GB))

	default:
		return 0, fmt.Errorf("unknown rate unit: %q", matches[2])
	}

	return bytesPerSec, nil
}

// FormatRate formats bytes per second into a human-readable bit rate string.
func FormatRate(bytesPerSec int64) string {
	if bytesPerSec == 0 {
		return "0 bps"
	}

	bitsPerSec := bytesPerSec * 8

	units := []struct {
		threshold int64
		unit      string
	}{
		{1000 * 1000 * 1000, "Gbps"},
		{1000 * 1000, "Mbps"},
		{1000, "Kbps"},
	}

	for _, u := range units {
		if bitsPerSec >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bitsPerSec)/float64(u.threshold), u.unit)
		}
	}

	return fmt.Sprintf("%d bps", bitsPerSec)
}

// Size is a byte size that can be unmarshaled from YAML as either
// a number (bytes) or a string with units ("1MiB", "512KB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a number or string with units (e.g., 1MiB, 512KB)")
	}
	if value.Tag == "!!int" {
		i, err := strconv.ParseInt(value.Value, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", value.Value, err)
		}
		*s = Size(i)
		return nil
	}
	bytes, err := Parse(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*s = Size(bytes)
	return nil
}

// MarshalYAML writes the size as a plain byte count.
func (s Size) MarshalYAML() (any, error) {
	return int64(s), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}

// Rate is a transfer rate in bytes per second, unmarshaled from YAML as a
// number or a rate string ("800mbps", "100MB/s"). Zero means unlimited.
type Rate int64

// UnmarshalYAML implements yaml.Unmarshaler for Rate.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("rate must be a number or string with units (e.g., 800mbps, 100MB/s)")
	}
	if value.Tag == "!!int" {
		i, err := strconv.ParseInt(value.Value, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid rate %q: %w", value.Value, err)
		}
		*r = Rate(i)
		return nil
	}
	bps, err := ParseRate(value.Value)
	if err != nil {
		return fmt.Errorf("invalid rate %q: %w", value.Value, err)
	}
	*r = Rate(bps)
	return nil
}

// MarshalYAML writes the rate as plain bytes per second.
func (r Rate) MarshalYAML() (any, error) {
	return int64(r), nil
}

// BytesPerSecond returns the rate in bytes per second.
func (r Rate) BytesPerSecond() int64 {
	return int64(r)
}

// String returns a human-readable bit rate.
func (r Rate) String() string {
	return FormatRate(int64(r))
}
