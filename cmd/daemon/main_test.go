// SPDX-License-Identifier: MIT

package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunVersionFlag(t *testing.T) {
	assert.Equal(t, 0, run([]string{"-version"}))
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	assert.Equal(t, 2, run([]string{"-no-such-flag"}))
}

func TestRunFailsOnMissingConfigFile(t *testing.T) {
	assert.Equal(t, 1, run([]string{"-config", "/definitely/not/here.yaml"}))
}

func TestRunFailsBootWithoutProvider(t *testing.T) {
	// A valid config that cannot pass the startup checks: no provider URL
	// is configured, so boot must fail before any listener comes up.
	t.Setenv("WISHREEL_DATA_DIR", t.TempDir())
	t.Setenv("WISHREEL_LISTEN", "127.0.0.1:0")
	t.Setenv("WISHREEL_METRICS_LISTEN", "")
	assert.Equal(t, 1, run(nil))
}

func TestHealthcheckCLI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/readyz":
			w.WriteHeader(http.StatusOK)
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	assert.Equal(t, 0, runHealthcheckCLI([]string{"-addr", addr}))
	assert.Equal(t, 0, runHealthcheckCLI([]string{"-addr", addr, "-mode", "live"}))
}

func TestHealthcheckCLIFailsWhenDown(t *testing.T) {
	require.Equal(t, 1, runHealthcheckCLI([]string{"-addr", "127.0.0.1:1", "-timeout", "200ms"}))
}

func TestHealthcheckCLIFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	assert.Equal(t, 1, runHealthcheckCLI([]string{"-addr", addr}))
}
