package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	addr := server.Listener.Addr().String()
	return NewClient(addr, addr, server.Client()), server
}

func TestClientStatus(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/status", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(StatusResponse{Status: StatusRunning})
	}))

	status, err := client.Status(context.Background(), "token-123")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.Status)
	assert.Nil(t, status.Error)
	assert.Equal(t, "Bearer token-123", gotAuth)
}

func TestClientStatusWithError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":"cannot reach storage"}`))
	}))

	status, err := client.Status(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Equal(t, "cannot reach storage", *status.Error)
}

func TestClientStatusHTTPError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))

	_, err := client.Status(context.Background(), "token")
	assert.ErrorContains(t, err, "401")
}

func TestClientConfigure(t *testing.T) {
	var gotConfig Config
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/configure", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotConfig))
		w.WriteHeader(http.StatusOK)
	}))

	config := &Config{Spec: &Spec{EndpointID: "ep-main", Mode: ModePrimary}}
	require.NoError(t, client.Configure(context.Background(), "token", config))
	assert.Equal(t, "ep-main", gotConfig.Spec.EndpointID)
}

func TestClientConfigureRejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "spec format too new", http.StatusUnprocessableEntity)
	}))

	err := client.Configure(context.Background(), "token", &Config{})
	assert.ErrorIs(t, err, ErrConfigureRejected)
	assert.ErrorContains(t, err, "spec format too new")
}

func TestClientTerminate(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/terminate", r.URL.Path)
		require.Equal(t, url.Values{"mode": []string{"immediate"}}, r.URL.Query())
		_, _ = w.Write([]byte(`{"lsn":"0/16B9188"}`))
	}))

	response, err := client.Terminate(context.Background(), "token", TerminateModeImmediate)
	require.NoError(t, err)
	require.NotNil(t, response.LSN)
	assert.Equal(t, "0/16B9188", *response.LSN)
}

func TestClientTerminateNoLSN(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	response, err := client.Terminate(context.Background(), "token", TerminateModeImmediate)
	require.NoError(t, err)
	assert.Nil(t, response.LSN)
}

func TestClientRefreshConfiguration(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/refresh_configuration", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, client.RefreshConfiguration(context.Background()))
	assert.Empty(t, gotAuth)
}

func TestClientRefreshConfigurationFailed(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still applying previous refresh", http.StatusConflict)
	}))

	err := client.RefreshConfiguration(context.Background())
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorContains(t, err, "still applying previous refresh")
}
