package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/apperr"
)

func TestDoRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "team_1", r.URL.Query().Get("teamId"))
		assert.Equal(t, "dev", r.URL.Query().Get("branch"))
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["name"]})
	}))
	defer srv.Close()

	c := New("vercel", Options{BaseURL: srv.URL + "/", Token: "tok", Retries: DefaultRetries, Query: url.Values{"teamId": {"team_1"}}})
	var out struct {
		Echo string `json:"echo"`
	}
	err := c.Do(context.Background(), http.MethodPost, "/v1/things", url.Values{"branch": {"dev"}}, map[string]string{"name": "x"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "x", out.Echo)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoGivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New("koyeb", Options{BaseURL: srv.URL, Retries: 2})
	err := c.Do(context.Background(), http.MethodGet, "/v1/apps/a", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrUpstream))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"message":"missing"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("github", Options{BaseURL: srv.URL, Retries: 2})
	err := c.Do(context.Background(), http.MethodGet, "/repos/o/r", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.False(t, errors.Is(err, apperr.ErrUpstream))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Body, "missing")
}

func TestDoRawReturnsBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK\x03\x04"))
	}))
	defer srv.Close()

	c := New("github", Options{BaseURL: srv.URL, RatePerSecond: 100})
	data, err := c.DoRaw(context.Background(), http.MethodGet, "logs", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), data)
}
