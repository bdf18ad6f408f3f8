package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loaddriver/internal/runner"
	"loaddriver/internal/storage"
	"loaddriver/internal/traffic"
)

func testSpec(t *testing.T) *traffic.TrafficSpec {
	t.Helper()
	spec, err := traffic.Parse([]byte(`{"destination": "srv", "phases": [
		{"sourceMixture": [{"kind": "uniform"}], "rate": "1M", "size": "4M", "concurrency": 3, "duration": 5}]}`))
	require.NoError(t, err)
	return spec
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmit(t *testing.T) {
	var got *traffic.TrafficSpec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/experiment", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		spec, err := traffic.Parse(body)
		require.NoError(t, err)
		got = spec
		writeJSON(w, http.StatusCreated, runner.Status{ID: "abc", State: runner.StateRunning, Destination: spec.Destination})
	}))
	defer srv.Close()

	c := New(srv.URL)
	st, err := c.Submit(context.Background(), testSpec(t))
	require.NoError(t, err)
	assert.Equal(t, "abc", st.ID)
	assert.Equal(t, runner.StateRunning, st.State)

	require.NotNil(t, got)
	assert.Equal(t, "srv", got.Destination)
	assert.Equal(t, 3, got.Phases[0].Concurrency)
	assert.Equal(t, "4M", got.Phases[0].Size.String())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		code int
		msg  string
		want error
	}{
		{"conflict", http.StatusConflict, "experiment already running", runner.ErrAlreadyRunning},
		{"not found", http.StatusNotFound, "no experiment running", runner.ErrNotRunning},
		{"bad request", http.StatusBadRequest, "invalid traffic spec: phases: at least one phase is required", traffic.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.code, map[string]string{"error": tt.msg})
			}))
			defer srv.Close()

			_, err := New(srv.URL).Submit(context.Background(), testSpec(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.msg, err.Error())
		})
	}
}

func TestUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Abort(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "boom", se.Message)
}

func TestStatusWithoutExperiment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no experiment has been started"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Status(context.Background())
	assert.ErrorIs(t, err, ErrNoExperiment)
}

func TestAbortAndHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/experiment", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		writeJSON(w, http.StatusOK, runner.Status{ID: "abc", State: runner.StateDone, EndReason: runner.EndAborted})
	})
	mux.HandleFunc("/experiments", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, []storage.HistoryItem{{ID: "b"}, {ID: "a"}})
	})
	mux.HandleFunc("/experiments/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/experiments/a" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "experiment not found"})
			return
		}
		writeJSON(w, http.StatusOK, storage.HistoryItem{ID: "a"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	st, err := c.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, runner.EndAborted, st.EndReason)

	items, err := c.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID)

	item, err := c.HistoryItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", item.ID)

	_, err = c.HistoryItem(ctx, "zzz")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNewAddsScheme(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:8080", New("10.0.0.1:8080").BaseURL)
	assert.Equal(t, "https://driver", New("https://driver/").BaseURL)
}

func TestWaitReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := New(ln.Addr().String())
	require.NoError(t, c.WaitReady(context.Background(), time.Second))
}

func TestWaitReadyTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New(addr)
	err = c.WaitReady(context.Background(), 300*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotReady)
}
