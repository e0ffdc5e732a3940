package domain

import (
	"context"
	"time"
)

// IrradianceRequest is one call to the service: one site over one range.
type IrradianceRequest struct {
	Location      Location
	SkyType       SkyType
	Start         time.Time // inclusive
	End           time.Time // exclusive
	TimeStep      TimeStep
	TimeReference TimeReference
	Email         string
	Integrated    bool // keep Wh/m2 instead of converting to W/m2
}

// IrradianceRecord is one row of returned data, keyed by (LocationID, Timestamp).
// Irradiance fields are nil when the model does not provide them.
type IrradianceRecord struct {
	LocationID  string
	Latitude    float64
	Longitude   float64
	Timestamp   time.Time // period label: start, or end for monthly data
	PeriodStart time.Time
	PeriodEnd   time.Time

	GHIExtra    *float64 // top of atmosphere
	GHIClear    *float64
	BHIClear    *float64
	DHIClear    *float64
	DNIClear    *float64
	GHI         *float64
	BHI         *float64
	DHI         *float64
	DNI         *float64
	Reliability *float64
}

// IrradianceService fetches irradiance time series for a single site.
type IrradianceService interface {
	Fetch(ctx context.Context, req IrradianceRequest) ([]IrradianceRecord, error)
}

// AttachLocation stamps the site identity onto returned records.
func AttachLocation(records []IrradianceRecord, loc Location) []IrradianceRecord {
	for i := range records {
		records[i].LocationID = loc.ID
		records[i].Latitude = loc.Latitude
		records[i].Longitude = loc.Longitude
	}
	return records
}

// ExpectedRows returns how many rows one location yields for the half-open
// range [start, end) at the given step. Monthly steps count every calendar
// month touched by the range.
func ExpectedRows(start, end time.Time, step TimeStep) int {
	if !end.After(start) {
		return 0
	}
	if step == Step1M {
		last := end.AddDate(0, 0, -1)
		return (last.Year()-start.Year())*12 + int(last.Month()) - int(start.Month()) + 1
	}
	minutes := step.Minutes()
	if minutes == 0 {
		return 0
	}
	return int(end.Sub(start).Minutes()) / minutes
}

// ServiceEndDate is the inclusive end date the service expects for the
// half-open range ending at end.
func ServiceEndDate(end time.Time) time.Time {
	return end.AddDate(0, 0, -1)
}
