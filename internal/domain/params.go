package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the date format used in configuration and file names.
const DateLayout = "2006-01-02"

// BatchSize is the number of locations per batch. It equals the service's
// daily request quota so a batch never needs more than one day of quota.
const BatchSize = 100

// DefaultAltitude tells the service to look the altitude up itself.
const DefaultAltitude = -999.0

// SkyType selects the irradiance model.
type SkyType string

const (
	SkyMcClear       SkyType = "mcclear"
	SkyCAMSRadiation SkyType = "cams_radiation"
)

func (s SkyType) String() string { return string(s) }

func (s SkyType) IsValid() bool {
	switch s {
	case SkyMcClear, SkyCAMSRadiation:
		return true
	}
	return false
}

// Identifier returns the WPS process identifier, e.g. "get_mcclear".
func (s SkyType) Identifier() string {
	return "get_" + strings.ToLower(string(s))
}

// TimeStep is the summarisation period of returned data.
type TimeStep string

const (
	Step1Min  TimeStep = "1min"
	Step15Min TimeStep = "15min"
	Step1H    TimeStep = "1h"
	Step1D    TimeStep = "1d"
	Step1M    TimeStep = "1M"
)

// TimeSteps lists the accepted time steps in ascending order.
var TimeSteps = []TimeStep{Step1Min, Step15Min, Step1H, Step1D, Step1M}

func (s TimeStep) String() string { return string(s) }

func (s TimeStep) IsValid() bool {
	for _, v := range TimeSteps {
		if s == v {
			return true
		}
	}
	return false
}

// Summarization returns the ISO 8601 duration the service expects.
func (s TimeStep) Summarization() string {
	switch s {
	case Step1Min:
		return "PT01M"
	case Step15Min:
		return "PT15M"
	case Step1H:
		return "PT01H"
	case Step1D:
		return "P01D"
	case Step1M:
		return "P01M"
	}
	return ""
}

// ParseSummarization maps an ISO 8601 summarization back to a TimeStep.
func ParseSummarization(v string) (TimeStep, bool) {
	for _, s := range TimeSteps {
		if s.Summarization() == v {
			return s, true
		}
	}
	return "", false
}

// Minutes returns the fixed length of the step. Monthly steps have no fixed
// length and return 0.
func (s TimeStep) Minutes() int {
	switch s {
	case Step1Min:
		return 1
	case Step15Min:
		return 15
	case Step1H:
		return 60
	case Step1D:
		return 24 * 60
	}
	return 0
}

// Hours returns the step length in hours, 0 for monthly steps.
func (s TimeStep) Hours() float64 {
	return float64(s.Minutes()) / 60
}

// TimeReference selects how timestamps are expressed.
type TimeReference string

const (
	TimeRefUT  TimeReference = "UT"
	TimeRefTST TimeReference = "TST"
)

func (r TimeReference) String() string { return string(r) }

func (r TimeReference) IsValid() bool {
	return r == TimeRefUT || r == TimeRefTST
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}
