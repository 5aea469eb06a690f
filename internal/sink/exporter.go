package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// ErrBackendUnavailable classifies transport failures and 5xx responses.
// Exports failing with it are retried; anything else is terminal.
var ErrBackendUnavailable = errors.New("sink: backend unavailable")

// APIError is a non-retriable error response from the ingestion endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sink: backend returned %d: %s", e.StatusCode, e.Message)
}

// AsAPIError extracts an *APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// Exporter delivers a batch of records to the backend.
type Exporter interface {
	Export(ctx context.Context, batch []Record) error
}

// HTTPExporter pushes record batches as JSON to the backend's ingestion
// endpoint, authenticated with the public/secret key pair via basic auth.
type HTTPExporter struct {
	host            string
	publicKey       string
	secretKey       string
	maxPayloadBytes int
	client          *http.Client
}

// NewHTTPExporter creates an exporter for the given backend host.
func NewHTTPExporter(host, publicKey, secretKey string, maxPayloadBytes int) *HTTPExporter {
	return &HTTPExporter{
		host:            host,
		publicKey:       publicKey,
		secretKey:       secretKey,
		maxPayloadBytes: maxPayloadBytes,
		client:          &http.Client{Timeout: 30 * time.Second},
	}
}

type ingestionEnvelope struct {
	Batch []Record `json:"batch"`
}

// Export sends one batch. Oversized span payloads are truncated, never
// rejected. Network errors and 5xx responses map to ErrBackendUnavailable.
func (e *HTTPExporter) Export(ctx context.Context, batch []Record) error {
	capped := make([]Record, len(batch))
	for i, rec := range batch {
		rec.Input = truncatePayload(rec.Input, e.maxPayloadBytes)
		rec.Output = truncatePayload(rec.Output, e.maxPayloadBytes)
		capped[i] = rec
	}

	body, err := json.Marshal(ingestionEnvelope{Batch: capped})
	if err != nil {
		return fmt.Errorf("sink: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/public/ingestion", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(e.publicKey, e.secretKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
}

// truncatePayload replaces a payload whose JSON encoding exceeds maxBytes
// with a marker object carrying a prefix of the encoding.
func truncatePayload(payload map[string]any, maxBytes int) map[string]any {
	if payload == nil || maxBytes <= 0 {
		return payload
	}
	encoded, err := json.Marshal(payload)
	if err != nil || len(encoded) <= maxBytes {
		return payload
	}
	prefix := maxBytes
	if prefix > len(encoded) {
		prefix = len(encoded)
	}
	return map[string]any{
		"truncated":      true,
		"original_bytes": len(encoded),
		"preview":        string(encoded[:prefix]),
	}
}

// exportWithRetry executes the export, retrying up to maxRetries times on
// ErrBackendUnavailable with jittered exponential backoff.
func exportWithRetry(ctx context.Context, exp Exporter, batch []Record, maxRetries int, baseDelay time.Duration) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = exp.Export(ctx, batch)
		if err == nil || !errors.Is(err, ErrBackendUnavailable) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
