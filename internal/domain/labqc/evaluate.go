package labqc

import (
	"math"
	"strconv"
	"strings"
)

// Band is a numeric reference interval, inclusive on both ends.
type Band struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Width returns Max-Min.
func (b Band) Width() float64 { return b.Max - b.Min }

func (b Band) Contains(v float64) bool { return v >= b.Min && v <= b.Max }

// Evaluation is the outcome of classifying one value. Parsed is false when the
// status is the safe default because the value or the reference could not be
// read as numbers.
type Evaluation struct {
	Status Status `json:"status"`
	Parsed bool   `json:"parsed"`
	Band   *Band  `json:"band,omitempty"`
}

// ParseReference reads a "<min>-<max>" reference expression. Either bound may
// carry its own leading minus sign ("-5--1"). A reversed band is normalised so
// Min <= Max. ok is false for categorical references such as "Positive".
func ParseReference(ref string) (Band, bool) {
	ref = strings.TrimSpace(ref)
	for i := 1; i < len(ref); i++ {
		if ref[i] != '-' {
			continue
		}
		lo, okLo := parseNumber(ref[:i])
		hi, okHi := parseNumber(ref[i+1:])
		if !okLo || !okHi {
			continue
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return Band{Min: lo, Max: hi}, true
	}
	return Band{}, false
}

// Evaluate grades value against reference. It never fails: an unparseable
// value or a non-numeric reference yields StatusNormal.
func Evaluate(value, reference string) Status {
	return Classify(value, reference).Status
}

// Classify is Evaluate plus the information needed to tell a measured normal
// from a defaulted one.
func Classify(value, reference string) Evaluation {
	band, ok := ParseReference(reference)
	if !ok {
		return Evaluation{Status: StatusNormal}
	}
	v, ok := parseNumber(value)
	if !ok {
		return Evaluation{Status: StatusNormal, Band: &band}
	}
	return Evaluation{Status: classifyInBand(v, band), Parsed: true, Band: &band}
}

func classifyInBand(v float64, b Band) Status {
	if b.Contains(v) {
		return StatusNormal
	}
	width := b.Width()
	if width == 0 {
		if v > b.Max {
			return StatusCriticalHigh
		}
		return StatusCriticalLow
	}
	if v < b.Min {
		return grade((b.Min-v)/width, false)
	}
	return grade((v-b.Max)/width, true)
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
