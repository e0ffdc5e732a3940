package store

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/fsutil"
)

// ResultRecord is the Parquet schema for irradiance rows.
type ResultRecord struct {
	LocationID  string   `parquet:"location_id"`
	Latitude    float64  `parquet:"latitude"`
	Longitude   float64  `parquet:"longitude"`
	Timestamp   int64    `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	PeriodStart int64    `parquet:"period_start,timestamp(millisecond)"`
	PeriodEnd   int64    `parquet:"period_end,timestamp(millisecond)"`
	GHIExtra    *float64 `parquet:"ghi_extra,optional"`
	GHIClear    *float64 `parquet:"ghi_clear,optional"`
	BHIClear    *float64 `parquet:"bhi_clear,optional"`
	DHIClear    *float64 `parquet:"dhi_clear,optional"`
	DNIClear    *float64 `parquet:"dni_clear,optional"`
	GHI         *float64 `parquet:"ghi,optional"`
	BHI         *float64 `parquet:"bhi,optional"`
	DHI         *float64 `parquet:"dhi,optional"`
	DNI         *float64 `parquet:"dni,optional"`
	Reliability *float64 `parquet:"reliability,optional"`
}

// irradianceColumns are the parameter columns, in file order.
var irradianceColumns = []string{
	"ghi_extra", "ghi_clear", "bhi_clear", "dhi_clear", "dni_clear",
	"ghi", "bhi", "dhi", "dni", "reliability",
}

// clearSkyColumns is how many leading parameter columns mcclear returns.
const clearSkyColumns = 5

var keyColumns = []string{"location_id", "latitude", "longitude", "timestamp", "period_start", "period_end"}

// WriteResults durably writes records to path in the given format and
// returns the file's SHA-256 and row count. Clear-sky CSV files omit the
// all-sky columns.
func WriteResults(path, format string, sky domain.SkyType, records []domain.IrradianceRecord) (domain.ResultInfo, error) {
	h := sha256.New()

	var write func(io.Writer) error
	switch format {
	case config.FormatCSV:
		write = func(w io.Writer) error { return writeCSV(w, sky, records) }
	case config.FormatParquet:
		write = func(w io.Writer) error { return parquet.Write(w, toParquet(records)) }
	default:
		return domain.ResultInfo{}, fmt.Errorf("unknown result format %q", format)
	}

	err := fsutil.WriteFile(path, 0o644, func(w io.Writer) error {
		return write(io.MultiWriter(w, h))
	})
	if err != nil {
		return domain.ResultInfo{}, fmt.Errorf("write results %s: %w", path, err)
	}
	return domain.ResultInfo{
		Path:   path,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Rows:   len(records),
	}, nil
}

// ReadResults reads a result file written by WriteResults. The format is
// taken from the file extension.
func ReadResults(path string) ([]domain.IrradianceRecord, error) {
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case config.FormatCSV:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readCSV(f)
	case config.FormatParquet:
		rows, err := parquet.ReadFile[ResultRecord](path)
		if err != nil {
			return nil, err
		}
		return fromParquet(rows), nil
	}
	return nil, fmt.Errorf("unknown result format for %s", path)
}

// FileSHA256 returns the hex SHA-256 digest of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ---------------------------------------------------------------------------
// CSV
// ---------------------------------------------------------------------------

func writeCSV(w io.Writer, sky domain.SkyType, records []domain.IrradianceRecord) error {
	params := irradianceColumns
	if sky == domain.SkyMcClear {
		params = irradianceColumns[:clearSkyColumns]
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string{}, keyColumns...), params...)); err != nil {
		return err
	}
	row := make([]string, 0, len(keyColumns)+len(params))
	for i := range records {
		r := &records[i]
		row = append(row[:0],
			r.LocationID,
			strconv.FormatFloat(r.Latitude, 'f', -1, 64),
			strconv.FormatFloat(r.Longitude, 'f', -1, 64),
			formatTimestamp(r.Timestamp),
			formatTimestamp(r.PeriodStart),
			formatTimestamp(r.PeriodEnd),
		)
		for _, v := range values(r)[:len(params)] {
			row = append(row, formatValue(v))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func readCSV(r io.Reader) ([]domain.IrradianceRecord, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < len(keyColumns) {
		return nil, fmt.Errorf("header has %d columns, want at least %d", len(header), len(keyColumns))
	}
	nParams := len(header) - len(keyColumns)
	if nParams > len(irradianceColumns) {
		return nil, fmt.Errorf("header has %d columns, want at most %d", len(header), len(keyColumns)+len(irradianceColumns))
	}

	var records []domain.IrradianceRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		rec := domain.IrradianceRecord{LocationID: row[0]}
		if rec.Latitude, err = strconv.ParseFloat(row[1], 64); err != nil {
			return nil, fmt.Errorf("line %d: latitude: %w", line, err)
		}
		if rec.Longitude, err = strconv.ParseFloat(row[2], 64); err != nil {
			return nil, fmt.Errorf("line %d: longitude: %w", line, err)
		}
		for i, dst := range []*time.Time{&rec.Timestamp, &rec.PeriodStart, &rec.PeriodEnd} {
			if *dst, err = time.Parse(time.RFC3339, row[3+i]); err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, keyColumns[3+i], err)
			}
		}
		ptrs := pointers(&rec)
		for i := range nParams {
			s := row[len(keyColumns)+i]
			if s == "" {
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, irradianceColumns[i], err)
			}
			*ptrs[i] = &v
		}
		records = append(records, rec)
	}
	return records, nil
}

func values(r *domain.IrradianceRecord) []*float64 {
	return []*float64{r.GHIExtra, r.GHIClear, r.BHIClear, r.DHIClear, r.DNIClear, r.GHI, r.BHI, r.DHI, r.DNI, r.Reliability}
}

func pointers(r *domain.IrradianceRecord) []**float64 {
	return []**float64{&r.GHIExtra, &r.GHIClear, &r.BHIClear, &r.DHIClear, &r.DNIClear, &r.GHI, &r.BHI, &r.DHI, &r.DNI, &r.Reliability}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// ---------------------------------------------------------------------------
// Parquet
// ---------------------------------------------------------------------------

func toParquet(records []domain.IrradianceRecord) []ResultRecord {
	out := make([]ResultRecord, len(records))
	for i, r := range records {
		out[i] = ResultRecord{
			LocationID:  r.LocationID,
			Latitude:    r.Latitude,
			Longitude:   r.Longitude,
			Timestamp:   r.Timestamp.UnixMilli(),
			PeriodStart: r.PeriodStart.UnixMilli(),
			PeriodEnd:   r.PeriodEnd.UnixMilli(),
			GHIExtra:    r.GHIExtra,
			GHIClear:    r.GHIClear,
			BHIClear:    r.BHIClear,
			DHIClear:    r.DHIClear,
			DNIClear:    r.DNIClear,
			GHI:         r.GHI,
			BHI:         r.BHI,
			DHI:         r.DHI,
			DNI:         r.DNI,
			Reliability: r.Reliability,
		}
	}
	return out
}

func fromParquet(rows []ResultRecord) []domain.IrradianceRecord {
	out := make([]domain.IrradianceRecord, len(rows))
	for i, r := range rows {
		out[i] = domain.IrradianceRecord{
			LocationID:  r.LocationID,
			Latitude:    r.Latitude,
			Longitude:   r.Longitude,
			Timestamp:   time.UnixMilli(r.Timestamp).UTC(),
			PeriodStart: time.UnixMilli(r.PeriodStart).UTC(),
			PeriodEnd:   time.UnixMilli(r.PeriodEnd).UTC(),
			GHIExtra:    r.GHIExtra,
			GHIClear:    r.GHIClear,
			BHIClear:    r.BHIClear,
			DHIClear:    r.DHIClear,
			DNIClear:    r.DNIClear,
			GHI:         r.GHI,
			BHI:         r.BHI,
			DHI:         r.DHI,
			DNI:         r.DNI,
			Reliability: r.Reliability,
		}
	}
	return out
}
