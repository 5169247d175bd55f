package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
)

type HTTPSinkConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPSink posts each batch as a JSON array to the sensor ingestion API.
type HTTPSink struct {
	url    string
	token  string
	client *http.Client
	logger zerolog.Logger
}

func NewHTTPSink(cfg HTTPSinkConfig, logger zerolog.Logger) (*HTTPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("http sink needs a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPSink{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "HTTPSink").Logger(),
	}, nil
}

func (s *HTTPSink) Send(ctx context.Context, records []types.SensorRecord) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to sensor API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sensor API returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	s.logger.Debug().Int("count", len(records)).Int("status", resp.StatusCode).Msg("Batch posted to sensor API")
	return nil
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
