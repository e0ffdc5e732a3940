package domain

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Location is a single site to fetch irradiance for.
type Location struct {
	ID        string
	Latitude  float64
	Longitude float64
	Altitude  *float64 // metres; nil lets the service use its elevation model
}

// AltitudeOrDefault returns the altitude sent to the service.
func (l Location) AltitudeOrDefault() float64 {
	if l.Altitude == nil {
		return DefaultAltitude
	}
	return *l.Altitude
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return errors.New("identifier is empty")
	}
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %g out of range [-90, 90]", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %g out of range [-180, 180]", l.Longitude)
	}
	return nil
}

// Accepted header names, matched case-insensitively.
var (
	idColumns        = []string{"id", "identifier", "site_id", "name"}
	latitudeColumns  = []string{"latitude", "lat"}
	longitudeColumns = []string{"longitude", "lon", "lng"}
	altitudeColumns  = []string{"altitude", "elevation"}
)

// batchHeader is the normalized header written to batch files.
var batchHeader = []string{"id", "latitude", "longitude", "altitude"}

// ParseLocations reads a CSV location list. It returns a *ConfigError for
// missing columns, bad coordinates, duplicate identifiers, or an empty list.
func ParseLocations(r io.Reader) ([]Location, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, NewConfigError("input", "file is empty")
	}
	if err != nil {
		return nil, &ConfigError{Field: "input", Err: fmt.Errorf("read header: %w", err)}
	}

	cols := indexHeader(header)
	idIdx, okID := lookupColumn(cols, idColumns)
	latIdx, okLat := lookupColumn(cols, latitudeColumns)
	lonIdx, okLon := lookupColumn(cols, longitudeColumns)
	altIdx, hasAlt := lookupColumn(cols, altitudeColumns)

	var missing []string
	if !okID {
		missing = append(missing, "identifier")
	}
	if !okLat {
		missing = append(missing, "latitude")
	}
	if !okLon {
		missing = append(missing, "longitude")
	}
	if len(missing) > 0 {
		return nil, NewConfigError("input", "missing required column(s): %s", strings.Join(missing, ", "))
	}

	var locations []Location
	seen := make(map[string]int)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ConfigError{Field: "input", Err: fmt.Errorf("line %d: %w", line, err)}
		}

		loc := Location{ID: strings.TrimSpace(field(row, idIdx))}
		if loc.Latitude, err = parseCoordinate(field(row, latIdx)); err != nil {
			return nil, NewConfigError("input", "line %d: latitude: %v", line, err)
		}
		if loc.Longitude, err = parseCoordinate(field(row, lonIdx)); err != nil {
			return nil, NewConfigError("input", "line %d: longitude: %v", line, err)
		}
		if hasAlt {
			if s := strings.TrimSpace(field(row, altIdx)); s != "" {
				alt, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, NewConfigError("input", "line %d: altitude %q is not a number", line, s)
				}
				loc.Altitude = &alt
			}
		}
		if err := loc.Validate(); err != nil {
			return nil, NewConfigError("input", "line %d: %v", line, err)
		}
		if first, dup := seen[loc.ID]; dup {
			return nil, NewConfigError("input", "line %d: duplicate identifier %q (first seen on line %d)", line, loc.ID, first)
		}
		seen[loc.ID] = line
		locations = append(locations, loc)
	}

	if len(locations) == 0 {
		return nil, NewConfigError("input", "no locations found")
	}
	return locations, nil
}

// WriteLocations writes locations in the normalized batch file format.
func WriteLocations(w io.Writer, locations []Location) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(batchHeader); err != nil {
		return err
	}
	for _, l := range locations {
		alt := ""
		if l.Altitude != nil {
			alt = strconv.FormatFloat(*l.Altitude, 'f', -1, 64)
		}
		if err := cw.Write([]string{
			l.ID,
			strconv.FormatFloat(l.Latitude, 'f', -1, 64),
			strconv.FormatFloat(l.Longitude, 'f', -1, 64),
			alt,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Partition splits locations into consecutive groups of at most size,
// preserving input order.
func Partition(locations []Location, size int) [][]Location {
	if size <= 0 {
		size = BatchSize
	}
	groups := make([][]Location, 0, (len(locations)+size-1)/size)
	for start := 0; start < len(locations); start += size {
		end := min(start+size, len(locations))
		groups = append(groups, locations[start:end])
	}
	return groups
}

func indexHeader(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		key := strings.ToLower(strings.TrimSpace(h))
		if _, ok := cols[key]; !ok {
			cols[key] = i
		}
	}
	return cols
}

func lookupColumn(cols map[string]int, names []string) (int, bool) {
	for _, n := range names {
		if i, ok := cols[n]; ok {
			return i, true
		}
	}
	return 0, false
}

func field(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

func parseCoordinate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("value is empty")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return v, nil
}
