// Package digest provides the canonical content-digest representation
// used across the tar decoder, blob protocol, and manifest protocol.
package digest

import (
	"fmt"
	"io"

	ocidigest "github.com/opencontainers/go-digest"
)

// Digest is a canonical content identifier, "<algo>:<lowercase-hex>".
// It is a thin alias over opencontainers/go-digest so every package in
// this module shares one wire-compatible representation.
type Digest = ocidigest.Digest

// Canonical is the only algorithm this client requires support for.
const Canonical = ocidigest.Canonical

// Parse validates s and returns it as a Digest, or fails with a wrapped
// error if the algorithm is unknown or the hex portion is malformed.
func Parse(s string) (Digest, error) {
	d, err := ocidigest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing digest %q: %w", s, err)
	}
	return d, nil
}

// Format builds a Digest from an algorithm name and a lowercase hex
// string without hashing anything, validating both parts.
func Format(algo, hex string) (Digest, error) {
	return Parse(algo + ":" + hex)
}

// Compute returns the canonical (sha256) digest of p.
func Compute(p []byte) Digest {
	return ocidigest.Canonical.FromBytes(p)
}

// ComputeStream hashes r to completion without buffering it, returning
// the resulting digest and the total number of bytes read.
func ComputeStream(r io.Reader) (Digest, int64, error) {
	verifier := ocidigest.Canonical.Digester()
	n, err := io.Copy(verifier.Hash(), r)
	if err != nil {
		return "", n, fmt.Errorf("hashing stream: %w", err)
	}
	return verifier.Digest(), n, nil
}

// Verify reports whether d is the digest of p.
func Verify(d Digest, p []byte) bool {
	return Compute(p) == d
}

// Equal compares two digests as opaque strings; two digests are equal
// iff both the algorithm and hex portions match byte-for-byte.
func Equal(a, b Digest) bool {
	return a == b
}
