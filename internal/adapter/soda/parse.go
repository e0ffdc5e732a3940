package soda

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/cams-data-etl/internal/domain"
)

// Response is a parsed SoDa CSV payload.
type Response struct {
	Metadata map[string]string
	TimeStep domain.TimeStep
	Records  []domain.IrradianceRecord
}

// Column names in SoDa CSV output, mapped to record fields below.
const (
	colPeriod      = "Observation period"
	colTOA         = "TOA"
	colClearGHI    = "Clear sky GHI"
	colClearBHI    = "Clear sky BHI"
	colClearDHI    = "Clear sky DHI"
	colClearBNI    = "Clear sky BNI"
	colGHI         = "GHI"
	colBHI         = "BHI"
	colDHI         = "DHI"
	colBNI         = "BNI"
	colReliability = "Reliability"
)

// metaSummarization is the metadata key holding the integration period.
const metaSummarization = "Summarization (integration) period"

var summarizationPeriods = map[string]domain.TimeStep{
	"0 year 0 month 0 day 0 h 1 min 0 s":  domain.Step1Min,
	"0 year 0 month 0 day 0 h 15 min 0 s": domain.Step15Min,
	"0 year 0 month 0 day 1 h 0 min 0 s":  domain.Step1H,
	"0 year 0 month 1 day 0 h 0 min 0 s":  domain.Step1D,
	"0 year 1 month 0 day 0 h 0 min 0 s":  domain.Step1M,
}

// SummarizationPeriod returns the metadata value SoDa uses for step.
func SummarizationPeriod(step domain.TimeStep) string {
	for k, v := range summarizationPeriods {
		if v == step {
			return k
		}
	}
	return ""
}

// periodLayout parses observation period bounds. Fractional seconds are accepted.
const periodLayout = "2006-01-02T15:04:05"

// ParseCSV parses a SoDa CAMS CSV response. Irradiation values are converted
// from Wh/m2 to mean W/m2 over each period unless integrated is set. step is
// used when the payload carries no summarization metadata.
func ParseCSV(r io.Reader, step domain.TimeStep, integrated bool) (*Response, error) {
	resp := &Response{Metadata: make(map[string]string), TimeStep: step}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var columns map[string]int
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}

		if strings.HasPrefix(text, "#") {
			body := strings.TrimLeft(text, "# ")
			if strings.HasPrefix(body, colPeriod) {
				columns = indexColumns(strings.Split(body, ";"))
				continue
			}
			if key, value, ok := strings.Cut(body, ": "); ok {
				resp.Metadata[strings.TrimSpace(key)] = strings.TrimSpace(value)
			}
			continue
		}

		if columns == nil {
			return nil, fmt.Errorf("line %d: data before column header", line)
		}
		if len(resp.Records) == 0 {
			if period, ok := resp.Metadata[metaSummarization]; ok {
				s, known := summarizationPeriods[period]
				if !known {
					return nil, fmt.Errorf("unknown summarization period %q", period)
				}
				resp.TimeStep = s
			}
		}

		rec, err := parseRow(strings.Split(text, ";"), columns, resp.TimeStep, integrated)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		resp.Records = append(resp.Records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if columns == nil {
		return nil, errors.New("response has no column header")
	}
	return resp, nil
}

func indexColumns(names []string) map[string]int {
	cols := make(map[string]int, len(names))
	for i, n := range names {
		cols[strings.TrimSpace(n)] = i
	}
	return cols
}

func parseRow(fields []string, cols map[string]int, step domain.TimeStep, integrated bool) (domain.IrradianceRecord, error) {
	var rec domain.IrradianceRecord

	idx, ok := cols[colPeriod]
	if !ok || idx >= len(fields) {
		return rec, errors.New("missing observation period")
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(fields[idx]), "/")
	if !ok {
		return rec, fmt.Errorf("observation period %q is not start/end", fields[idx])
	}
	var err error
	if rec.PeriodStart, err = time.Parse(periodLayout, startStr); err != nil {
		return rec, fmt.Errorf("period start: %w", err)
	}
	if rec.PeriodEnd, err = time.Parse(periodLayout, endStr); err != nil {
		return rec, fmt.Errorf("period end: %w", err)
	}
	rec.Timestamp = periodLabel(rec.PeriodStart, rec.PeriodEnd, step)

	hours := step.Hours()
	if step == domain.Step1M {
		hours = rec.PeriodEnd.Sub(rec.PeriodStart).Hours()
	}
	if integrated || hours <= 0 {
		hours = 1
	}

	for _, f := range []struct {
		name       string
		dst        **float64
		irradiance bool
	}{
		{colTOA, &rec.GHIExtra, true},
		{colClearGHI, &rec.GHIClear, true},
		{colClearBHI, &rec.BHIClear, true},
		{colClearDHI, &rec.DHIClear, true},
		{colClearBNI, &rec.DNIClear, true},
		{colGHI, &rec.GHI, true},
		{colBHI, &rec.BHI, true},
		{colDHI, &rec.DHI, true},
		{colBNI, &rec.DNI, true},
		{colReliability, &rec.Reliability, false},
	} {
		i, ok := cols[f.name]
		if !ok || i >= len(fields) {
			continue
		}
		v, err := parseValue(fields[i])
		if err != nil {
			return rec, fmt.Errorf("%s: %w", f.name, err)
		}
		if v != nil && f.irradiance {
			*v /= hours
		}
		*f.dst = v
	}
	return rec, nil
}

// periodLabel picks the timestamp for a period: its start, except monthly
// data which is labelled with the last day of the month. Daily and monthly
// labels are truncated to midnight.
func periodLabel(start, end time.Time, step domain.TimeStep) time.Time {
	switch step {
	case domain.Step1M:
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
		return end.AddDate(0, 0, -1)
	case domain.Step1D:
		return time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	}
	return start
}

func parseValue(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) {
		return nil, nil
	}
	return &v, nil
}

// exceptionReport is the OWS exception document SoDa returns for rejected requests.
type exceptionReport struct {
	XMLName    xml.Name `xml:"ExceptionReport"`
	Exceptions []struct {
		Code string   `xml:"exceptionCode,attr"`
		Text []string `xml:"ExceptionText"`
	} `xml:"Exception"`
}

// ParseException extracts the exception text from an OWS exception report.
// Unparseable bodies are returned trimmed.
func ParseException(body []byte) string {
	var report exceptionReport
	if err := xml.Unmarshal(body, &report); err != nil {
		return strings.TrimSpace(string(body))
	}
	var parts []string
	for _, e := range report.Exceptions {
		for _, t := range e.Text {
			if t = strings.TrimSpace(t); t != "" {
				parts = append(parts, t)
			}
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(string(body))
	}
	return strings.Join(parts, "; ")
}

var quotaMarkers = []string{"maximum number", "quota", "too many requests", "limit"}

// IsQuotaMessage reports whether an exception text refers to the daily request limit.
func IsQuotaMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
