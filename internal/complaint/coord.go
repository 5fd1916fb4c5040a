package complaint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coord is a latitude or longitude in micro-degrees (six fixed decimals).
// No floats are stored, so a value reads back exactly as it was submitted.
type Coord int64

const coordScale = 1_000_000

// CoordFromFloat rounds f to six decimals.
func CoordFromFloat(f float64) (Coord, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("coordinate %v is not a finite number", f)
	}
	return Coord(math.Round(f * coordScale)), nil
}

// ParseCoord parses a decimal-degree string.
func ParseCoord(s string) (Coord, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("coordinate is empty")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: %w", s, err)
	}
	return CoordFromFloat(f)
}

// MustCoord is ParseCoord for constants in tests and fixtures.
func MustCoord(s string) Coord {
	c, err := ParseCoord(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Float returns the value in degrees.
func (c Coord) Float() float64 { return float64(c) / coordScale }

// String formats c with exactly six decimals.
func (c Coord) String() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/coordScale, v%coordScale)
}

// ValidLatitude reports whether c lies in [-90, 90].
func (c Coord) ValidLatitude() bool { return c >= -90*coordScale && c <= 90*coordScale }

// ValidLongitude reports whether c lies in [-180, 180].
func (c Coord) ValidLongitude() bool { return c >= -180*coordScale && c <= 180*coordScale }

// MarshalJSON writes c as a JSON number with six decimals.
func (c Coord) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (c *Coord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseCoord(s)
		if err != nil {
			return err
		}
		*c = v
		return nil
	}
	v, err := ParseCoord(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
