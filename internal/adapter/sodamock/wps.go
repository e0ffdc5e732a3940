package sodamock

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/cams-data-etl/internal/adapter/soda"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
)

// wpsQuery is a decoded WPS Execute request.
type wpsQuery struct {
	sky       domain.SkyType
	latitude  float64
	longitude float64
	altitude  float64
	begin     time.Time
	end       time.Time // inclusive
	timeRef   domain.TimeReference
	step      domain.TimeStep
	username  string
}

// parseQuery decodes a WPS query string. DataInputs holds ';'-separated
// key=value pairs, which url.ParseQuery would reject, so the raw query is
// split by hand.
func parseQuery(raw string) (*wpsQuery, error) {
	params := make(map[string]string)
	for _, part := range strings.Split(raw, "&") {
		key, value, _ := strings.Cut(part, "=")
		if key == "" {
			continue
		}
		if key != "DataInputs" {
			if v, err := url.QueryUnescape(value); err == nil {
				value = v
			}
		}
		params[key] = value
	}

	if params["Service"] != "WPS" || params["Request"] != "Execute" {
		return nil, fmt.Errorf("expected Service=WPS and Request=Execute")
	}
	if params["RawDataOutput"] != "irradiation" {
		return nil, fmt.Errorf("RawDataOutput must be irradiation")
	}

	q := &wpsQuery{}
	switch params["Identifier"] {
	case domain.SkyMcClear.Identifier():
		q.sky = domain.SkyMcClear
	case domain.SkyCAMSRadiation.Identifier():
		q.sky = domain.SkyCAMSRadiation
	default:
		return nil, fmt.Errorf("unknown process identifier %q", params["Identifier"])
	}

	inputs := make(map[string]string)
	for _, pair := range strings.Split(params["DataInputs"], ";") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			inputs[k] = v
		}
	}

	var err error
	if q.latitude, err = floatInput(inputs, "latitude", -90, 90); err != nil {
		return nil, err
	}
	if q.longitude, err = floatInput(inputs, "longitude", -180, 180); err != nil {
		return nil, err
	}
	if q.altitude, err = floatInput(inputs, "altitude", -999, 9000); err != nil {
		return nil, err
	}
	if q.begin, err = domain.ParseDate(inputs["date_begin"]); err != nil {
		return nil, fmt.Errorf("date_begin: %w", err)
	}
	if q.end, err = domain.ParseDate(inputs["date_end"]); err != nil {
		return nil, fmt.Errorf("date_end: %w", err)
	}
	if q.end.Before(q.begin) {
		return nil, fmt.Errorf("date_end is before date_begin")
	}
	q.timeRef = domain.TimeReference(inputs["time_ref"])
	if !q.timeRef.IsValid() {
		return nil, fmt.Errorf("invalid time_ref %q", inputs["time_ref"])
	}
	step, ok := domain.ParseSummarization(inputs["summarization"])
	if !ok {
		return nil, fmt.Errorf("invalid summarization %q", inputs["summarization"])
	}
	q.step = step
	q.username = inputs["username"]
	if !strings.Contains(q.username, "%2540") && !strings.Contains(q.username, "@") {
		return nil, fmt.Errorf("username must be a registered e-mail address")
	}
	return q, nil
}

func floatInput(inputs map[string]string, key string, lo, hi float64) (float64, error) {
	s, ok := inputs[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return v, nil
}

// period is one observation interval.
type period struct {
	start, end time.Time
}

// rows enumerates every period from date_begin 00:00 up to the day after
// date_end.
func (q *wpsQuery) rows() []period {
	stop := q.end.AddDate(0, 0, 1)
	var out []period
	for t := q.begin; t.Before(stop); {
		var next time.Time
		if q.step == domain.Step1M {
			next = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		} else {
			next = t.Add(time.Duration(q.step.Minutes()) * time.Minute)
		}
		out = append(out, period{start: t, end: next})
		t = next
	}
	return out
}

// write renders rows in SoDa's CSV layout with integrated Wh/m2 values.
func (q *wpsQuery) write(w io.Writer, rows []period) error {
	bw := bufio.NewWriter(w)

	title := "CAMS McClear v3.5 model (clear-sky irradiation)"
	columns := "Observation period;TOA;Clear sky GHI;Clear sky BHI;Clear sky DHI;Clear sky BNI"
	if q.sky == domain.SkyCAMSRadiation {
		title = "CAMS Radiation Service v4.6 (all-sky irradiation)"
		columns += ";GHI;BHI;DHI;BNI;Reliability"
	}
	timeRef := "Universal time (UT)"
	if q.timeRef == domain.TimeRefTST {
		timeRef = "True solar time (TST)"
	}

	fmt.Fprintf(bw, "# Coding: utf-8\n")
	fmt.Fprintf(bw, "# File format version: 4\n")
	fmt.Fprintf(bw, "# Title: %s\n", title)
	fmt.Fprintf(bw, "# Content: A time-series of solar irradiation received on a horizontal plane\n")
	fmt.Fprintf(bw, "# Latitude (positive North, ITRF): %.4f\n", q.latitude)
	fmt.Fprintf(bw, "# Longitude (positive East, ITRF): %.4f\n", q.longitude)
	fmt.Fprintf(bw, "# Altitude (m): %.1f\n", altitudeOrModel(q.altitude))
	fmt.Fprintf(bw, "# Time reference: %s\n", timeRef)
	fmt.Fprintf(bw, "# Summarization (integration) period: %s\n", soda.SummarizationPeriod(q.step))
	fmt.Fprintf(bw, "# %s\n", columns)

	for _, p := range rows {
		hours := p.end.Sub(p.start).Hours()
		toa := q.irradiance(p.start, hours) * hours
		ghiClear := 0.78 * toa
		bhiClear := 0.62 * toa
		dhiClear := ghiClear - bhiClear
		bniClear := 0.9 * toa

		fmt.Fprintf(bw, "%s/%s;%s;%s;%s;%s;%s",
			formatPeriodTime(p.start), formatPeriodTime(p.end),
			formatValue(toa), formatValue(ghiClear), formatValue(bhiClear), formatValue(dhiClear), formatValue(bniClear))
		if q.sky == domain.SkyCAMSRadiation {
			fmt.Fprintf(bw, ";%s;%s;%s;%s;%s",
				formatValue(0.8*ghiClear), formatValue(0.7*bhiClear), formatValue(0.8*ghiClear-0.7*bhiClear),
				formatValue(0.75*bniClear), formatValue(1))
		}
		fmt.Fprint(bw, "\n")
	}
	return bw.Flush()
}

// irradiance is a smooth deterministic stand-in for top-of-atmosphere
// irradiance in W/m2 at t for the query's location.
func (q *wpsQuery) irradiance(t time.Time, hours float64) float64 {
	if hours >= 24 {
		// Daily mean over a day-night cycle, scaled by latitude.
		return 1361 / math.Pi * math.Cos(q.latitude*math.Pi/180)
	}
	solarHour := float64(t.Hour()) + float64(t.Minute())/60 + hours/2 + q.longitude/15
	elevation := math.Sin((solarHour - 6) / 12 * math.Pi)
	return math.Max(0, 1361*elevation*math.Cos(q.latitude*math.Pi/180))
}

func altitudeOrModel(alt float64) float64 {
	if alt == domain.DefaultAltitude {
		return 0
	}
	return alt
}

func formatPeriodTime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05") + ".0"
}

func formatValue(v float64) string {
	return strconv.FormatFloat(math.Round(v*10000)/10000, 'f', 4, 64)
}
