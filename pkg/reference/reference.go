// Package reference validates and splits repository/tag strings
// addressed to the v2 distribution API. The patterns mirror
// pull_tool/pkg/transport/cachedblob/transport.go's
// blobURLPattern/manifestURLPattern, which already encode the OCI name
// grammar for this exact surface — that grammar is reused here rather
// than pulling in a normalizing reference-parsing library.
package reference

import (
	"fmt"
	"regexp"
	"strings"
)

// nameComponent is one "/"-separated segment of a repository name.
const nameComponent = `[a-z0-9]+(?:[._-][a-z0-9]+)*`

var (
	nameRegexp = regexp.MustCompile(`^` + nameComponent + `(?:/` + nameComponent + `)*$`)
	tagRegexp  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
)

// ValidateName reports whether repository satisfies the v2 name
// grammar. Violations fail client-side before any HTTP call.
func ValidateName(repository string) error {
	if !nameRegexp.MatchString(repository) {
		return fmt.Errorf("invalid repository name %q", repository)
	}
	return nil
}

// ValidateTag reports whether tag satisfies the v2 tag grammar.
func ValidateTag(tag string) error {
	if !tagRegexp.MatchString(tag) {
		return fmt.Errorf("invalid tag %q", tag)
	}
	return nil
}

// IsDigestReference reports whether ref looks like a digest reference
// ("sha256:...") rather than a tag. The tag grammar forbids ':', so any
// colon in ref marks it as a digest reference.
func IsDigestReference(ref string) bool {
	return strings.Contains(ref, ":")
}

// ValidateReference validates ref as a tag. A ref containing ':' is
// accepted as a digest reference without checking its algorithm or hex
// portion.
func ValidateReference(ref string) error {
	if strings.Contains(ref, ":") {
		return nil // treated as a digest; its form is not validated here
	}
	return ValidateTag(ref)
}

// SplitRepoTag splits an "original tag" string of the form
// "repository[:tag]" into its parts, defaulting tag to "latest" when
// absent. The split point is the *last* colon so that repositories addressed by
// port (registry:5000/app) are not mistaken for a tag separator when a
// caller passes a fully-qualified reference by mistake; true RepoTags
// entries from manifest.json never carry a registry host, but the last-
// colon rule is the conservative choice either way.
func SplitRepoTag(original string) (repository, tag string) {
	idx := strings.LastIndex(original, ":")
	if idx < 0 {
		return original, "latest"
	}
	// Guard against "repo:5000/name" style strings where the colon
	// belongs to a port, not a tag: if anything after the colon
	// contains a slash, there is no tag separator here.
	if strings.Contains(original[idx+1:], "/") {
		return original, "latest"
	}
	return original[:idx], original[idx+1:]
}
