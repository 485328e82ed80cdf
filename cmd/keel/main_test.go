package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/keel/internal/api"
)

func TestCallAPIDecodesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"phase":"processing","cursor":12,"uptime_seconds":60}`))
	}))
	defer ts.Close()

	var status api.StatusResponse
	require.NoError(t, callAPI(http.MethodGet, ts.URL+"/v1/status", "tok", &status))
	assert.Equal(t, "processing", status.Phase)
	assert.Equal(t, int64(12), status.Cursor)
}

func TestCallAPISurfacesErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"pause: operation not valid in current phase"}`))
	}))
	defer ts.Close()

	err := callAPI(http.MethodPost, ts.URL+"/v1/pause", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid in current phase")
}

func TestCallAPIErrorWithoutBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := callAPI(http.MethodGet, ts.URL+"/v1/status", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}
