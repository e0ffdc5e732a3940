package soda

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/couchcryptid/cams-data-etl/internal/domain"
	"github.com/couchcryptid/cams-data-etl/internal/observability"
)

// WPSPath is the SoDa Web Processing Service endpoint.
const WPSPath = "/service/wps"

// Client implements domain.IrradianceService against the SoDa CAMS WPS API.
type Client struct {
	client  *resty.Client
	baseURL string
	logger  *slog.Logger
	metrics *observability.Metrics
}

var _ domain.IrradianceService = (*Client)(nil)

// NewClient creates a SoDa client. server is a host name such as
// "api.soda-solardata.com" or a full base URL.
func NewClient(server string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) (*Client, error) {
	client := resty.New()
	client.SetTimeout(timeout)
	return NewClientWithResty(server, client, logger, metrics)
}

// NewClientWithResty creates a SoDa client around an existing resty client.
// Retries are always disabled: every attempt counts against the daily quota.
func NewClientWithResty(server string, client *resty.Client, logger *slog.Logger, metrics *observability.Metrics) (*Client, error) {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	if server == "" {
		return nil, errors.New("soda server is required")
	}
	if client == nil {
		return nil, errors.New("resty client is required")
	}
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	client.SetRetryCount(0)

	return &Client{
		client:  client,
		baseURL: server,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Fetch requests the irradiance time series for one location.
func (c *Client) Fetch(ctx context.Context, req domain.IrradianceRequest) ([]domain.IrradianceRecord, error) {
	start := time.Now()
	records, err := c.fetch(ctx, req)
	c.metrics.ServiceAPIDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		c.metrics.ServiceRequests.WithLabelValues("success").Inc()
	case domain.IsQuotaExceeded(err):
		c.metrics.ServiceRequests.WithLabelValues("quota").Inc()
	default:
		c.metrics.ServiceRequests.WithLabelValues("error").Inc()
	}

	c.logger.Debug("soda request",
		"location_id", req.Location.ID,
		"rows", len(records),
		"duration", time.Since(start),
		"error", err,
	)
	return records, err
}

func (c *Client) fetch(ctx context.Context, req domain.IrradianceRequest) ([]domain.IrradianceRecord, error) {
	// DataInputs is passed verbatim: SoDa expects literal ';' and '=' separators.
	u := c.baseURL + WPSPath + "?DataInputs=" + DataInputs(req)

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"Service":       "WPS",
			"Request":       "Execute",
			"Identifier":    req.SkyType.Identifier(),
			"version":       "1.0.0",
			"RawDataOutput": "irradiation",
		}).
		Get(u)
	if err != nil {
		return nil, &domain.ServiceError{Message: "request failed", Cause: err}
	}

	status := resp.StatusCode()
	body := resp.Body()

	// SoDa reports rejected requests as an XML exception, often with status 200.
	if strings.Contains(resp.Header().Get("Content-Type"), "xml") {
		msg := ParseException(body)
		return nil, &domain.ServiceError{
			StatusCode:    status,
			Message:       msg,
			QuotaExceeded: status == http.StatusTooManyRequests || IsQuotaMessage(msg),
		}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, &domain.ServiceError{
			StatusCode:    status,
			Message:       truncate(strings.TrimSpace(string(body)), 512),
			QuotaExceeded: status == http.StatusTooManyRequests,
		}
	}

	parsed, err := ParseCSV(bytes.NewReader(body), req.TimeStep, req.Integrated)
	if err != nil {
		return nil, &domain.ServiceError{StatusCode: status, Message: "malformed response", Cause: err}
	}
	if parsed.TimeStep != req.TimeStep {
		return nil, &domain.ServiceError{
			StatusCode: status,
			Message:    fmt.Sprintf("response time step %s, requested %s", parsed.TimeStep, req.TimeStep),
		}
	}
	return domain.AttachLocation(parsed.Records, req.Location), nil
}

// DataInputs renders the WPS DataInputs parameter for req. The end date is
// the inclusive last day of the half-open request range.
func DataInputs(req domain.IrradianceRequest) string {
	pairs := []string{
		"latitude=" + formatFloat(req.Location.Latitude),
		"longitude=" + formatFloat(req.Location.Longitude),
		"altitude=" + formatFloat(req.Location.AltitudeOrDefault()),
		"date_begin=" + req.Start.Format(domain.DateLayout),
		"date_end=" + domain.ServiceEndDate(req.End).Format(domain.DateLayout),
		"time_ref=" + string(req.TimeReference),
		"summarization=" + req.TimeStep.Summarization(),
		"username=" + strings.ReplaceAll(req.Email, "@", "%2540"),
		"verbose=false",
	}
	return strings.Join(pairs, ";")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
