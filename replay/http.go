package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// HTTPReplayer applies mutations by POSTing them to a per-entity-type
// downstream service endpoint. Responses map onto the replay contract: 200
// applies the mutation, 409 carries the remote snapshot of a diverged entity,
// other 4xx are permanent failures, 5xx and transport errors are transient.
type HTTPReplayer struct {
	// Endpoints maps an entity type (e.g. "CROP") to the base URL of the
	// service that owns it.
	endpoints map[string]string

	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

type HTTPReplayerOptions struct {
	// RequestTimeout bounds each replay call.
	RequestTimeout time.Duration
	// RequestsPerSecond limits outbound replay calls across all users.
	RequestsPerSecond int
	UserAgent         string
}

func DefaultHTTPReplayerOptions() *HTTPReplayerOptions {
	return &HTTPReplayerOptions{
		RequestTimeout:    30 * time.Second,
		RequestsPerSecond: 20,
		UserAgent:         "syncd/0.0.1",
	}
}

func NewHTTPReplayer(endpoints map[string]string, opts *HTTPReplayerOptions) *HTTPReplayer {
	if opts == nil {
		opts = DefaultHTTPReplayerOptions()
	}

	// Connection-level robustness only; attempt-level retry is the retry
	// engine's job, so RetryMax stays 0 here.
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	client := retryClient.StandardClient()
	client.Timeout = opts.RequestTimeout

	return &HTTPReplayer{
		endpoints: endpoints,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		userAgent: opts.UserAgent,
	}
}

type replayRequestBody struct {
	UserID          string          `json:"userId"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId,omitempty"`
	Operation       string          `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

type replaySuccessBody struct {
	NewVersion int64 `json:"newVersion"`
}

type replayConflictBody struct {
	RemoteValue     json.RawMessage `json:"remoteValue"`
	RemoteTimestamp time.Time       `json:"remoteTimestamp"`
	RemoteVersion   int64           `json:"remoteVersion"`
	RemoteDeviceID  string          `json:"remoteDeviceId,omitempty"`
}

func (r *HTTPReplayer) Replay(ctx context.Context, req Request) (*Result, error) {
	host, ok := r.endpoints[req.EntityType]
	if !ok {
		return nil, Permanent(fmt.Errorf("no replay endpoint configured for entity type %q", req.EntityType))
	}

	body, err := json.Marshal(replayRequestBody{
		UserID:          req.UserID,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Operation:       req.Operation,
		Payload:         json.RawMessage(req.Payload),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to encode replay request: %w", err))
	}

	url := fmt.Sprintf("%s/internal/replay", host)
	hreq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("User-Agent", r.userAgent)

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := r.client.Do(hreq)
	if err != nil {
		// Transport errors and timeouts are transient.
		return nil, fmt.Errorf("replay request failed: %w", err)
	}
	defer resp.Body.Close()

	replayRequestsSent.WithLabelValues(req.EntityType, fmt.Sprint(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out replaySuccessBody
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode replay response: %w", err)
		}
		return &Result{NewVersion: out.NewVersion}, nil

	case resp.StatusCode == http.StatusConflict:
		var out replayConflictBody
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode conflict response: %w", err)
		}
		return &Result{Conflict: &RemoteSnapshot{
			Value:     string(out.RemoteValue),
			Timestamp: out.RemoteTimestamp,
			Version:   out.RemoteVersion,
			DeviceID:  out.RemoteDeviceID,
		}}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, Permanent(fmt.Errorf("replay rejected: %s", readError(resp)))

	default:
		return nil, fmt.Errorf("replay failed: %s", readError(resp))
	}
}

func readError(resp *http.Response) string {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil || len(b) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, string(b))
}
