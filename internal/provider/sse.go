package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// httpRequestConfig holds the parameters for an HTTP SSE request.
type httpRequestConfig struct {
	client   *http.Client
	url      string
	body     []byte
	headers  map[string]string
	provider string // for logging
	model    string // for logging
}

// upstreamError is a non-2xx response from the upstream, kept structured so
// providers can inspect the status and body (the top_k retry needs both).
type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("Upstream error: %d: %s", e.status, truncateMessage(e.body, 200))
}

func truncateMessage(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// httpDoSSE executes a single HTTP POST for SSE streaming. Upstream failures
// are never retried within a turn: any non-2xx status surfaces immediately
// as an upstreamError and the turn fails. Returns the response body as an
// io.ReadCloser that the caller must close.
func httpDoSSE(ctx context.Context, cfg httpRequestConfig) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.url, bytes.NewReader(cfg.body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range cfg.headers {
		httpReq.Header.Set(k, v)
	}

	log.Info().Str("provider", cfg.provider).Str("model", cfg.model).Msg("SSE stream request started")

	resp, err := cfg.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		log.Warn().Str("provider", cfg.provider).Int("status", resp.StatusCode).Msg("SSE request rejected by upstream")
		return nil, &upstreamError{status: resp.StatusCode, body: string(payload)}
	}

	return resp.Body, nil
}
