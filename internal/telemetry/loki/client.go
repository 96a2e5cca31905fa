// Package loki provides a client to push log entries to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"iam-workflow/backend/internal/securityevent"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid in Loki label values we emit.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

const jobLabel = "iam-workflow"

// Client pushes security events to Loki.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the Loki instance at baseURL (e.g. http://localhost:3100),
// or nil when baseURL is empty. Requests time out after timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// PushSecurityEvent pushes the raw event JSON as the log line, labelled with the event type
// and tenant. The event timestamp is used when set.
func (c *Client) PushSecurityEvent(ctx context.Context, e securityevent.Event, raw []byte) error {
	labels := map[string]string{}
	if e.Type != "" {
		labels["event_type"] = e.Type
	}
	if e.TenantID != "" {
		labels["tenant_id"] = e.TenantID
	}
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return c.Push(ctx, ts, string(raw), labels)
}

// Push sends a single log line. labels are added to the stream next to job=iam-workflow.
// Returns an error if the HTTP request fails or Loki returns non-2xx.
func (c *Client) Push(ctx context.Context, timestamp time.Time, line string, labels map[string]string) error {
	if c == nil {
		return fmt.Errorf("loki: client is not configured")
	}
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = jobLabel
	for k, v := range labels {
		sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_")
		if sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	payload, err := json.Marshal(PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
		}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
