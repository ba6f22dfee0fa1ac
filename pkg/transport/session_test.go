package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cagojeiger/regpush/pkg/regerr"
)

func newTestSession(t *testing.T, srv *httptest.Server) *Session {
	t.Helper()
	s, err := New(Endpoint{BaseURL: srv.URL, RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPingSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSession(t, srv)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestPingProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestSession(t, srv)
	err := s.Ping(context.Background())
	if regerr.KindOf(err) != regerr.KindRegistryProtocolError {
		t.Fatalf("Ping = %v, want RegistryProtocolError", err)
	}
}

func TestDoAttachesRequestID(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSession(t, srv)
	resp, err := s.Get(context.Background(), "/v2/", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if gotID == "" {
		t.Fatalf("expected a non-empty X-Request-Id header to be sent")
	}
}

func TestResolveRelativeAndAbsolute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	s := newTestSession(t, srv)

	abs, err := s.Resolve("https://elsewhere.example/x")
	if err != nil {
		t.Fatalf("Resolve absolute: %v", err)
	}
	if abs != "https://elsewhere.example/x" {
		t.Errorf("Resolve absolute changed the URL: %s", abs)
	}

	rel, err := s.Resolve("/v2/app/blobs/uploads/abc?_state=1")
	if err != nil {
		t.Fatalf("Resolve relative: %v", err)
	}
	want := srv.URL + "/v2/app/blobs/uploads/abc?_state=1"
	if rel != want {
		t.Errorf("Resolve relative = %s, want %s", rel, want)
	}
}

func TestDoTimesOutAsTimeoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(Endpoint{BaseURL: srv.URL, RequestTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	_, err = s.Get(context.Background(), "/v2/", nil)
	if regerr.KindOf(err) != regerr.KindTimeout {
		t.Fatalf("Get = %v, want Timeout", err)
	}
}

func TestHeadReturnsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestSession(t, srv)
	resp, err := s.Head(context.Background(), "/v2/app/blobs/sha256:aaaa", nil)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	resp.Body.Close()
	if resp.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", resp.Status)
	}
}
