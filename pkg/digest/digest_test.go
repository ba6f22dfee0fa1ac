package digest

import (
	"strings"
	"testing"
)

func TestComputeMatchesKnownVector(t *testing.T) {
	data := []byte("test layer bytes\n")
	d := Compute(data)
	if got, want := string(d), "sha256:bb228959804a41d7b3e7e196af1100d605bb1fac20617a3308bdc8915489ce25"; got != want {
		t.Fatalf("Compute digest = %q, want %q", got, want)
	}
	if !Verify(d, data) {
		t.Fatalf("Verify(%q, data) = false, want true", d)
	}
	if Verify(d, []byte("different bytes")) {
		t.Fatalf("Verify matched unrelated bytes")
	}
}

func TestComputeStreamMatchesCompute(t *testing.T) {
	data := []byte(`{"architecture":"amd64","os":"linux"}`)
	want := Compute(data)
	got, n, err := ComputeStream(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("ComputeStream: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("ComputeStream size = %d, want %d", n, len(data))
	}
	if got != want {
		t.Fatalf("ComputeStream digest = %s, want %s", got, want)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"sha256",
		"sha256:",
		"sha256:not-hex",
		"sha256:" + strings.Repeat("a", 10),
		"SHA256:" + strings.Repeat("a", 64),
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", c)
		}
	}
}

func TestParseAcceptsWellFormed(t *testing.T) {
	valid := "sha256:" + strings.Repeat("a", 64)
	d, err := Parse(valid)
	if err != nil {
		t.Fatalf("Parse(%q): %v", valid, err)
	}
	if string(d) != valid {
		t.Fatalf("Parse round-trip = %q, want %q", d, valid)
	}
}

func TestFormat(t *testing.T) {
	hex := strings.Repeat("b", 64)
	d, err := Format("sha256", hex)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if string(d) != "sha256:"+hex {
		t.Fatalf("Format = %q, want sha256:%s", d, hex)
	}
}

func TestEqual(t *testing.T) {
	a := Compute([]byte("x"))
	b := Compute([]byte("x"))
	c := Compute([]byte("y"))
	if !Equal(a, b) {
		t.Errorf("Equal(a, b) = false, want true")
	}
	if Equal(a, c) {
		t.Errorf("Equal(a, c) = true, want false")
	}
}
