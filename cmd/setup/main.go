// Command setup validates a location list and retrieval parameters, then
// initialises a workspace with batch files, the ledger, and config.yaml.
//
// Usage:
//
//	go run ./cmd/setup -input sites.csv -email me@example.com \
//	  -sky-type cams_radiation -start-date 2023-01-01 -end-date 2024-01-01 \
//	  -time-step 1h -dir ./work
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/observability"
	"github.com/couchcryptid/cams-data-etl/internal/pipeline"
)

func main() {
	var runCfg config.RunConfig
	var sky, step, timeRef string
	dir := flag.String("dir", ".", "workspace directory to initialise")
	flag.StringVar(&runCfg.InputFilePath, "input", "", "CSV file with id, latitude, longitude and optional altitude columns")
	flag.StringVar(&sky, "sky-type", string(domain.SkyMcClear), "mcclear or cams_radiation")
	flag.StringVar(&runCfg.StartDate, "start-date", "", "first day, YYYY-MM-DD")
	flag.StringVar(&runCfg.EndDate, "end-date", "", "day after the last day, YYYY-MM-DD (exclusive: a single day needs end = start + 1)")
	flag.StringVar(&step, "time-step", string(domain.Step1H), fmt.Sprintf("one of %v", domain.TimeSteps))
	flag.StringVar(&timeRef, "time-ref", string(domain.TimeRefUT), "UT or TST")
	flag.StringVar(&runCfg.Email, "email", "", "e-mail address registered with SoDa")
	flag.BoolVar(&runCfg.Integrated, "integrated", false, "keep Wh/m2 instead of converting to W/m2")
	flag.StringVar(&runCfg.OutputFormat, "output-format", config.FormatCSV, "csv or parquet")
	flag.Parse()

	runCfg.SkyType = domain.SkyType(sky)
	runCfg.TimeStep = domain.TimeStep(step)
	runCfg.TimeReference = domain.TimeReference(timeRef)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg)

	res, err := pipeline.Setup(context.Background(), *dir, runCfg, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("initialised %s: %d locations in %d batches\n", *dir, res.Locations, res.Batches)
}
