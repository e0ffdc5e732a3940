// Command genmock produces local test fixtures. By default it writes a
// synthetic location list; with -serve it runs the mock SoDa WPS server
// so a workspace can be processed without spending real quota.
//
// Usage:
//
//	go run ./cmd/genmock -n 250 -out data/mock/sites.csv
//	go run ./cmd/genmock -serve :8090 -quota 100
//
// Point the processor at the mock with CAMS_SERVER=http://localhost:8090.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/cams-data-etl/internal/adapter/sodamock"
	"github.com/couchcryptid/cams-data-etl/internal/config"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/fsutil"
	"github.com/couchcryptid/cams-data-etl/internal/observability"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	n := flag.Int("n", 250, "number of locations to generate")
	out := flag.String("out", "", "output path for the location CSV")
	seed := flag.Uint64("seed", 1, "random seed for reproducible coordinates")
	serve := flag.String("serve", "", "address to serve the mock SoDa API on")
	quota := flag.Int("quota", domain.BatchSize, "mock daily request quota, 0 for unlimited")
	dropRows := flag.Int("drop-rows", 0, "rows removed from every mock response")
	flag.Parse()

	if *serve != "" {
		return serveMock(*serve, sodamock.Options{Quota: *quota, DropRows: *dropRows})
	}
	if *out == "" || *n <= 0 {
		flag.Usage()
		return fmt.Errorf("missing required flags: -out and a positive -n, or -serve")
	}

	locations := generate(*n, *seed)
	err := fsutil.WriteFile(*out, 0o644, func(w io.Writer) error {
		return domain.WriteLocations(w, locations)
	})
	if err != nil {
		return fmt.Errorf("writing locations: %w", err)
	}
	log.Printf("wrote %d locations (%d batches): %s", len(locations), len(domain.Partition(locations, domain.BatchSize)), *out)
	return nil
}

// generate returns n locations spread over Europe and Africa, inside CAMS
// coverage, with every tenth site left without an altitude.
func generate(n int, seed uint64) []domain.Location {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	locations := make([]domain.Location, n)
	for i := range locations {
		loc := domain.Location{
			ID:        fmt.Sprintf("site_%05d", i+1),
			Latitude:  round(-35+rng.Float64()*95, 4),
			Longitude: round(-20+rng.Float64()*70, 4),
		}
		if i%10 != 9 {
			alt := round(rng.Float64()*2500, 1)
			loc.Altitude = &alt
		}
		locations[i] = loc
	}
	return locations
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func serveMock(addr string, opts sodamock.Options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg)
	srv := sodamock.NewServer(addr, opts, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("mock server shutdown: %w", err)
	}
	logger.Info("shutdown complete", "requests", srv.Requests())
	return nil
}
