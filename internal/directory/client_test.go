package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/powreward/pkg/errors"
	"github.com/bardlex/powreward/pkg/retry"
)

func newTestClient(url string) *Client {
	c := New(url, nil, time.Second, nil)
	c.retry = &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return c
}

func TestListParticipants(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != nodesPath {
			t.Errorf("request path = %s, want %s", r.URL.Path, nodesPath)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"ID": "0x1111111111111111111111111111111111111111", "CPU": 8},
			{"ID": ""},
			{"ID": " 0x2222222222222222222222222222222222222222 "},
			{"GPU": 1}
		]`))
	}))
	defer server.Close()

	got, err := newTestClient(server.URL + "/").ListParticipants(context.Background())
	if err != nil {
		t.Fatalf("ListParticipants() error = %v", err)
	}

	want := []string{
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
	}
	if len(got) != len(want) {
		t.Fatalf("ListParticipants() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListParticipants()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestListParticipants_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"ID": "0xabc"}]`))
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).ListParticipants(context.Background())
	if err != nil {
		t.Fatalf("ListParticipants() error = %v", err)
	}
	if len(got) != 1 || calls.Load() != 3 {
		t.Errorf("got %v after %d calls, want one participant after 3 calls", got, calls.Load())
	}
}

func TestListParticipants_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListParticipants(context.Background())
	if !errors.IsType(err, errors.ErrorTypeFetch) {
		t.Errorf("ListParticipants() error = %v, want fetch error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestListParticipants_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"nodes": []}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListParticipants(context.Background())
	if !errors.IsType(err, errors.ErrorTypeFetch) {
		t.Errorf("ListParticipants() error = %v, want fetch error", err)
	}
}

func TestListParticipants_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url).ListParticipants(context.Background())
	if !errors.IsType(err, errors.ErrorTypeFetch) {
		t.Errorf("ListParticipants() error = %v, want fetch error", err)
	}
	if !errors.IsType(err, errors.ErrorTypeNetwork) {
		t.Errorf("ListParticipants() error = %v, want network cause", err)
	}
}
