// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wishreel/wishreel/internal/fault"
	platformnet "github.com/wishreel/wishreel/internal/platform/net"
)

// policyFor builds a policy that admits exactly the given test server.
func policyFor(t *testing.T, srv *httptest.Server) platformnet.Policy {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	host, _, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	return platformnet.Policy{
		Enabled: true,
		Allow: platformnet.Allowlist{
			CIDRs:   []string{host + "/32"},
			Ports:   []int{port},
			Schemes: []string{"http"},
		},
	}
}

func TestDeliverPostsEvent(t *testing.T) {
	var got Event
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(policyFor(t, srv), zerolog.Nop())
	err := n.Deliver(context.Background(), srv.URL+"/hooks/done", Event{
		TaskID:    "task-1",
		State:     "succeeded",
		ResultURL: "/pipeline/result/task-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "succeeded", got.State)
	assert.Equal(t, "/pipeline/result/task-1", got.ResultURL)
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(policyFor(t, srv), zerolog.Nop())
	err := n.Deliver(context.Background(), srv.URL, Event{TaskID: "task-2", State: "failed", ErrorCode: "TIMEOUT"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverRejectionIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := New(policyFor(t, srv), zerolog.Nop())
	err := n.Deliver(context.Background(), srv.URL, Event{TaskID: "task-3", State: "succeeded"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliverBlockedByPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("must not be called")
	}))
	defer srv.Close()

	// Policy allows a different port than the server's.
	pol := policyFor(t, srv)
	pol.Allow.Ports = []int{1}

	n := New(pol, zerolog.Nop())
	err := n.Deliver(context.Background(), srv.URL, Event{TaskID: "task-4", State: "succeeded"})
	require.Error(t, err)
}

func TestValidateURLMapsToInvalidInput(t *testing.T) {
	n := New(platformnet.Policy{
		Enabled: true,
		Allow: platformnet.Allowlist{
			Hosts:   []string{"hooks.example.com"},
			Ports:   []int{443},
			Schemes: []string{"https"},
		},
	}, zerolog.Nop())

	_, err := n.ValidateURL(context.Background(), "https://169.254.169.254/latest")
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
}

func TestValidateURLDisabledPolicy(t *testing.T) {
	n := New(platformnet.Policy{}, zerolog.Nop())
	assert.False(t, n.Enabled())

	_, err := n.ValidateURL(context.Background(), "https://hooks.example.com/cb")
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
}
