package regerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := DigestMismatch("sha256:aaaa", "sha256:bbbb")
	wrapped := fmt.Errorf("manifest put: %w", base)
	if got := KindOf(wrapped); got != KindDigestMismatch {
		t.Fatalf("KindOf(wrapped) = %v, want %v", got, KindDigestMismatch)
	}
}

func TestKindOfNonRegistryError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != 0 {
		t.Fatalf("KindOf(plain error) = %v, want 0", got)
	}
}

func TestIsMatchesByKind(t *testing.T) {
	a := NotFound("app:latest")
	b := NotFound("other:v1")
	if !errors.Is(a, b) {
		t.Fatalf("errors.Is should match same Kind regardless of Ref")
	}
	if errors.Is(a, DigestMismatch("x", "y")) {
		t.Fatalf("errors.Is matched across different Kinds")
	}
}

func TestIsRetriable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unreachable", RegistryUnreachable(errors.New("conn reset")), true},
		{"timeout", Timeout("chunk@0"), true},
		{"503", RegistryProtocolError(503, ""), true},
		{"429", RegistryProtocolError(429, ""), true},
		{"408", RegistryProtocolError(408, ""), true},
		{"404", RegistryProtocolError(404, ""), false},
		{"403", RegistryProtocolError(403, ""), false},
		{"digest-mismatch", DigestMismatch("a", "b"), false},
		{"invalid-tar", InvalidImageTar("missing manifest.json"), false},
		{"non-regerr", errors.New("raw io error"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsRetriable(c.err); got != c.want {
				t.Errorf("IsRetriable(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := RegistryUnreachable(cause)
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is should reach wrapped cause via Unwrap")
	}
}
