// Package domain models CAMS solar irradiance retrieval from the SoDa service.
//
// # Data Source
//
// Irradiance time series come from the Copernicus Atmosphere Monitoring
// Service (CAMS) through the SoDa web processing service at
// https://api.soda-solardata.com/service/wps. Two models are available:
//
//	mcclear         clear-sky irradiance (McClear)
//	cams_radiation  all-sky irradiance (CAMS Radiation Service)
//
// Every request covers one site and one date range and counts against a
// per-account quota of 100 requests per day. Sites are therefore grouped into
// batches of [BatchSize] so that one batch consumes at most one day of quota.
//
// # Time Steps
//
// The service summarises data at a fixed period:
//
//	1min   PT01M   only for locations covered by the MSG satellite
//	15min  PT15M
//	1h     PT01H
//	1d     P01D
//	1M     P01M    calendar months
//
// A date range is half-open, [start, end). The service treats date_end as
// inclusive, so requests ask for end minus one day. See [ExpectedRows].
//
// # Time Reference
//
// Timestamps are either universal time ("UT") or true solar time ("TST").
// TST timestamps carry no zone and are written without one.
//
// # Batch Lifecycle
//
//	pending -> done
//
// There is no failed state. A batch that fails validation or whose requests
// fail stays pending and is retried on a later run, typically the next day
// once the quota resets.
package domain
