package httprequest_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenhq/playbook/pkg/handlers/httprequest"
	"github.com/cadenhq/playbook/pkg/models"
)

func TestFactory_RequiresURL(t *testing.T) {
	t.Parallel()

	factory := httprequest.NewHTTPRequestHandlerFactory()
	assert.Equal(t, "http_request", factory.ID())

	_, err := factory.Create(map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a url")
}

func TestHandler_GetRequest(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer token123", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"severity": "high"})
	}))
	defer server.Close()

	factory := httprequest.NewHTTPRequestHandlerFactory()
	handler, err := factory.Create(map[string]any{
		"url": server.URL,
		"headers": map[string]any{
			"Authorization": "Bearer token123",
		},
		"result_key": "enrichment",
	})
	require.NoError(t, err)

	output, err := handler.Execute(t.Context(), models.ExecutionContext{RunID: "run-1"}, slog.Default())
	require.NoError(t, err)

	result, ok := output["enrichment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, result["status"])

	body, ok := result["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "high", body["severity"])
}

func TestHandler_PostRequestWithBody(t *testing.T) {
	t.Parallel()

	var received string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		received = string(buf)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "ticket-1"}`))
	}))
	defer server.Close()

	factory := httprequest.NewHTTPRequestHandlerFactory()
	handler, err := factory.Create(map[string]any{
		"url":    server.URL,
		"method": "post",
		"body":   `{"title": "incident"}`,
	})
	require.NoError(t, err)

	output, err := handler.Execute(t.Context(), models.ExecutionContext{RunID: "run-1"}, slog.Default())
	require.NoError(t, err)

	assert.JSONEq(t, `{"title": "incident"}`, received)

	result, ok := output["http_response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusCreated, result["status"])
}

func TestHandler_ErrorStatusFails(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	factory := httprequest.NewHTTPRequestHandlerFactory()
	handler, err := factory.Create(map[string]any{"url": server.URL})
	require.NoError(t, err)

	_, err = handler.Execute(t.Context(), models.ExecutionContext{RunID: "run-1"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHandler_NonJSONBodyKeptAsString(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	factory := httprequest.NewHTTPRequestHandlerFactory()
	handler, err := factory.Create(map[string]any{"url": server.URL})
	require.NoError(t, err)

	output, err := handler.Execute(t.Context(), models.ExecutionContext{RunID: "run-1"}, slog.Default())
	require.NoError(t, err)

	result, ok := output["http_response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "plain text", result["body"])
}
