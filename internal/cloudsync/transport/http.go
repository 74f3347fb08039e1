package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// HTTPClient is a Transport that talks to the cloud over JSON/HTTP.
//
// Requests are retried with exponential backoff on network errors, 429 and
// 5xx responses; Retry-After is honoured up to the maximum delay. Retrying a
// create is safe because the cloud deduplicates by local id.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient returns a client for baseURL. A nil httpClient gets a client
// with a 15 second timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetRetryPolicy overrides the retry count and backoff bounds.
func (c *HTTPClient) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
}

type createResponse struct {
	CloudID string `json:"cloudId"`
}

type errorResponse struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Current json.RawMessage `json:"current,omitempty"`
}

// Ping checks that the cloud answers its health endpoint. It does not retry.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// PushChanges implements Transport.
func (c *HTTPClient) PushChanges(ctx context.Context, id Identity, changes ChangeSet) (PushResult, error) {
	var res PushResult
	if id.IsZero() {
		return res, nil
	}
	err := c.doJSON(ctx, id, http.MethodPost, "/v1/sync/push", changes, &res, "")
	return res, err
}

// GetFullState implements Transport.
func (c *HTTPClient) GetFullState(ctx context.Context, id Identity) (Snapshot, error) {
	var snap Snapshot
	if id.IsZero() {
		return snap, nil
	}
	err := c.doJSON(ctx, id, http.MethodGet, "/v1/sync/state", nil, &snap, "")
	return snap, err
}

// GetChangesSince implements Transport.
func (c *HTTPClient) GetChangesSince(ctx context.Context, id Identity, since time.Time) (Snapshot, error) {
	var snap Snapshot
	if id.IsZero() {
		return snap, nil
	}
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	err := c.doJSON(ctx, id, http.MethodGet, "/v1/sync/changes?"+q.Encode(), nil, &snap, "")
	return snap, err
}

// Create implements Transport.
func (c *HTTPClient) Create(ctx context.Context, id Identity, rec schema.Record) (string, error) {
	if id.IsZero() {
		return "", nil
	}
	var res createResponse
	path := "/v1/entities/" + url.PathEscape(string(rec.EntityType()))
	if err := c.doJSON(ctx, id, http.MethodPost, path, rec, &res, rec.EntityType()); err != nil {
		return "", err
	}
	if res.CloudID == "" {
		return "", fmt.Errorf("cloud returned no id for %s %s", rec.EntityType(), rec.SyncMeta().LocalID)
	}
	return res.CloudID, nil
}

// Update implements Transport.
func (c *HTTPClient) Update(ctx context.Context, id Identity, cloudID string, rec schema.Record) error {
	if id.IsZero() {
		return nil
	}
	return c.doJSON(ctx, id, http.MethodPut, entityPath(rec.EntityType(), cloudID), rec, nil, rec.EntityType())
}

// Remove implements Transport.
func (c *HTTPClient) Remove(ctx context.Context, id Identity, t schema.EntityType, cloudID string) error {
	if id.IsZero() {
		return nil
	}
	return c.doJSON(ctx, id, http.MethodDelete, entityPath(t, cloudID), nil, nil, t)
}

func entityPath(t schema.EntityType, cloudID string) string {
	return fmt.Sprintf("/v1/entities/%s/%s", url.PathEscape(string(t)), url.PathEscape(cloudID))
}

// doJSON sends one request with retries. t names the entity type for
// decoding the current version carried by a 409.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	id Identity,
	method, requestPath string,
	body any,
	out any,
	t schema.EntityType,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+id.Token)
		req.Header.Set(userHeader, id.UserID)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload errorResponse
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			conflict := &ConflictError{EntityType: t, CloudID: lastSegment(requestPath)}
			if len(errPayload.Current) > 0 && t != "" {
				if current, err := schema.DecodeRecord(t, errPayload.Current); err == nil {
					conflict.Current = current
				}
			}
			return conflict
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		s, err := url.PathUnescape(p[i+1:])
		if err == nil {
			return s
		}
		return p[i+1:]
	}
	return p
}

func correlationID() string {
	return "agentdesk_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
