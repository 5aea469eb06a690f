package sink_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kataru/internal/sink"
)

func TestHTTPExporter_SendsAuthenticatedBatch(t *testing.T) {
	var (
		gotPath  string
		gotUser  string
		gotPass  string
		gotBatch struct {
			Batch []sink.Record `json:"batch"`
		}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	exp := sink.NewHTTPExporter(srv.URL, "pk-test", "sk-test", 16*1024)
	batch := []sink.Record{
		{Kind: sink.RecordSpan, SpanID: uuid.New(), TraceID: uuid.New(), Name: "Beat 1"},
		{Kind: sink.RecordTraceComplete, SpanID: uuid.New(), TraceID: uuid.New()},
	}
	require.NoError(t, exp.Export(context.Background(), batch))

	assert.Equal(t, "/api/public/ingestion", gotPath)
	assert.Equal(t, "pk-test", gotUser)
	assert.Equal(t, "sk-test", gotPass)
	require.Len(t, gotBatch.Batch, 2)
	assert.Equal(t, "Beat 1", gotBatch.Batch[0].Name)
	assert.Equal(t, sink.RecordTraceComplete, gotBatch.Batch[1].Kind)
}

func TestHTTPExporter_ServerErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exp := sink.NewHTTPExporter(srv.URL, "pk", "sk", 16*1024)
	err := exp.Export(context.Background(), []sink.Record{{Kind: sink.RecordSpan}})
	require.Error(t, err)
	assert.ErrorIs(t, err, sink.ErrBackendUnavailable)
}

func TestHTTPExporter_ClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "malformed batch", http.StatusBadRequest)
	}))
	defer srv.Close()

	exp := sink.NewHTTPExporter(srv.URL, "pk", "sk", 16*1024)
	err := exp.Export(context.Background(), []sink.Record{{Kind: sink.RecordSpan}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, sink.ErrBackendUnavailable))

	apiErr, ok := sink.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "malformed batch")
}

func TestHTTPExporter_UnreachableHost(t *testing.T) {
	exp := sink.NewHTTPExporter("http://127.0.0.1:1", "pk", "sk", 16*1024)
	err := exp.Export(context.Background(), []sink.Record{{Kind: sink.RecordSpan}})
	require.Error(t, err)
	assert.ErrorIs(t, err, sink.ErrBackendUnavailable)
}

func TestHTTPExporter_TruncatesOversizedPayloads(t *testing.T) {
	var got struct {
		Batch []sink.Record `json:"batch"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	const maxBytes = 256
	exp := sink.NewHTTPExporter(srv.URL, "pk", "sk", maxBytes)

	big := strings.Repeat("x", 10*maxBytes)
	batch := []sink.Record{{
		Kind:   sink.RecordSpan,
		SpanID: uuid.New(),
		Input:  map[string]any{"prompt": big},
		Output: map[string]any{"small": "fits"},
	}}
	require.NoError(t, exp.Export(context.Background(), batch))

	require.Len(t, got.Batch, 1)
	in := got.Batch[0].Input
	assert.Equal(t, true, in["truncated"])
	assert.NotEmpty(t, in["preview"])
	preview, _ := in["preview"].(string)
	assert.LessOrEqual(t, len(preview), maxBytes)

	// Payloads under the cap pass through unchanged.
	assert.Equal(t, map[string]any{"small": "fits"}, got.Batch[0].Output)
}
