package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/fsutil"
)

// RunConfigFile is the name of the persisted run configuration inside the
// base directory.
const RunConfigFile = "config.yaml"

// Output formats for result files.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// RunConfig is the retrieval configuration written by setup and read by every
// processing run. Processing never modifies it.
type RunConfig struct {
	SkyType       domain.SkyType       `yaml:"sky_type"`
	StartDate     string               `yaml:"start_date"`
	EndDate       string               `yaml:"end_date"`
	TimeStep      domain.TimeStep      `yaml:"time_step"`
	TimeReference domain.TimeReference `yaml:"time_reference"`
	Email         string               `yaml:"email"`
	InputFilePath string               `yaml:"input_file_path"`
	Integrated    bool                 `yaml:"integrated"`
	OutputFormat  string               `yaml:"output_format"`
}

// Validate checks every field and returns a *domain.ConfigError naming the
// first offending one. An empty output format defaults to CSV.
func (c *RunConfig) Validate() error {
	if !c.SkyType.IsValid() {
		return domain.NewConfigError("sky_type", "%q must be one of %s, %s", c.SkyType, domain.SkyMcClear, domain.SkyCAMSRadiation)
	}
	if !c.TimeStep.IsValid() {
		return domain.NewConfigError("time_step", "%q must be one of %v", c.TimeStep, domain.TimeSteps)
	}
	if !c.TimeReference.IsValid() {
		return domain.NewConfigError("time_reference", "%q must be %s or %s", c.TimeReference, domain.TimeRefUT, domain.TimeRefTST)
	}

	start, err := domain.ParseDate(c.StartDate)
	if err != nil {
		return &domain.ConfigError{Field: "start_date", Err: err}
	}
	end, err := domain.ParseDate(c.EndDate)
	if err != nil {
		return &domain.ConfigError{Field: "end_date", Err: err}
	}
	if end.Before(start) {
		return domain.NewConfigError("end_date", "%s is earlier than start_date %s", c.EndDate, c.StartDate)
	}
	if end.Equal(start) {
		return domain.NewConfigError("end_date", "range [%s, %s) is empty; end_date is exclusive", c.StartDate, c.EndDate)
	}

	if strings.TrimSpace(c.Email) == "" {
		return domain.NewConfigError("email", "is required by the SoDa service")
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return &domain.ConfigError{Field: "email", Err: err}
	}
	if strings.TrimSpace(c.InputFilePath) == "" {
		return domain.NewConfigError("input_file_path", "is required")
	}

	switch c.OutputFormat {
	case "":
		c.OutputFormat = FormatCSV
	case FormatCSV, FormatParquet:
	default:
		return domain.NewConfigError("output_format", "%q must be %s or %s", c.OutputFormat, FormatCSV, FormatParquet)
	}
	return nil
}

// Range returns the half-open date range [start, end). Call after Validate.
func (c *RunConfig) Range() (time.Time, time.Time) {
	start, _ := domain.ParseDate(c.StartDate)
	end, _ := domain.ParseDate(c.EndDate)
	return start, end
}

// ExpectedRowsPerLocation is the row count each location must yield.
func (c *RunConfig) ExpectedRowsPerLocation() int {
	start, end := c.Range()
	return domain.ExpectedRows(start, end, c.TimeStep)
}

// SaveRun writes cfg to path atomically.
func SaveRun(path string, cfg *RunConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	return fsutil.WriteFileBytes(path, data, 0o644)
}

// LoadRun reads and validates the run configuration at path.
func LoadRun(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.NewConfigError("config", "%s not found; run setup first", path)
	}
	if err != nil {
		return nil, &domain.ConfigError{Field: "config", Err: err}
	}

	cfg := &RunConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &domain.ConfigError{Field: "config", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
