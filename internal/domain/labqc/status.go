package labqc

import "fmt"

// Status is the graded classification of a measured value relative to its
// reference range. The set of values is closed; see AllStatuses.
type Status string

const (
	StatusNormal       Status = "normal"
	StatusSlightlyHigh Status = "slightly-high"
	StatusHigh         Status = "high"
	StatusVeryHigh     Status = "very-high"
	StatusCriticalHigh Status = "critical-high"
	StatusSlightlyLow  Status = "slightly-low"
	StatusLow          Status = "low"
	StatusVeryLow      Status = "very-low"
	StatusCriticalLow  Status = "critical-low"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusCriticalLow, StatusVeryLow, StatusLow, StatusSlightlyLow,
	StatusNormal,
	StatusSlightlyHigh, StatusHigh, StatusVeryHigh, StatusCriticalHigh,
}

// HL7 v3 ObservationInterpretation codes.
const (
	InterpretationSystem = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"

	interpNormal       = "N"
	interpHigh         = "H"
	interpCriticalHigh = "HH"
	interpLow          = "L"
	interpCriticalLow  = "LL"
)

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the nine defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNormal,
		StatusSlightlyHigh, StatusHigh, StatusVeryHigh, StatusCriticalHigh,
		StatusSlightlyLow, StatusLow, StatusVeryLow, StatusCriticalLow:
		return true
	}
	return false
}

// Direction returns -1 for low statuses, +1 for high statuses and 0 for normal.
func (s Status) Direction() int {
	switch s {
	case StatusSlightlyHigh, StatusHigh, StatusVeryHigh, StatusCriticalHigh:
		return 1
	case StatusSlightlyLow, StatusLow, StatusVeryLow, StatusCriticalLow:
		return -1
	default:
		return 0
	}
}

// Severity ranks the grade independent of direction: 0 normal through 4 critical.
func (s Status) Severity() int {
	switch s {
	case StatusSlightlyHigh, StatusSlightlyLow:
		return 1
	case StatusHigh, StatusLow:
		return 2
	case StatusVeryHigh, StatusVeryLow:
		return 3
	case StatusCriticalHigh, StatusCriticalLow:
		return 4
	default:
		return 0
	}
}

func (s Status) IsCritical() bool { return s.Severity() == 4 }

// Interpretation maps the status onto an HL7 interpretation code and display.
// Slightly and plain grades collapse to H/L, very and critical grades to HH/LL.
func (s Status) Interpretation() (code, display string) {
	switch s {
	case StatusSlightlyHigh, StatusHigh:
		return interpHigh, "High"
	case StatusVeryHigh, StatusCriticalHigh:
		return interpCriticalHigh, "Critical high"
	case StatusSlightlyLow, StatusLow:
		return interpLow, "Low"
	case StatusVeryLow, StatusCriticalLow:
		return interpCriticalLow, "Critical low"
	default:
		return interpNormal, "Normal"
	}
}

// UnmarshalText rejects anything outside the defined set.
func (s *Status) UnmarshalText(b []byte) error {
	v := Status(b)
	if !v.Valid() {
		return fmt.Errorf("invalid status: %q", string(b))
	}
	*s = v
	return nil
}

// grade picks the status for a fractional deviation outside the band.
// Thresholds are strictly greater than.
func grade(fraction float64, high bool) Status {
	switch {
	case fraction > 1.0:
		if high {
			return StatusCriticalHigh
		}
		return StatusCriticalLow
	case fraction > 0.5:
		if high {
			return StatusVeryHigh
		}
		return StatusVeryLow
	case fraction > 0.2:
		if high {
			return StatusHigh
		}
		return StatusLow
	default:
		if high {
			return StatusSlightlyHigh
		}
		return StatusSlightlyLow
	}
}
