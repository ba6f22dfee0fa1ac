// Package regerr defines the tagged error taxonomy shared by every
// protocol-facing package in this module. Callers program against Kind
// via errors.As, the same way img_tool/pkg/serve/registry/combined.go
// compares against registry.ErrNotFound / registry.RedirectError.
package regerr

import (
	"errors"
	"fmt"
)

// Kind discriminates the error variants this module's protocol layer
// can surface.
type Kind int

const (
	_ Kind = iota
	KindInvalidImageTar
	KindTarReadError
	KindRegistryUnreachable
	KindRegistryProtocolError
	KindNotFound
	KindDigestMismatch
	KindDeletionDisabled
	KindNoOriginalTag
	KindUploadFailed
	KindTimeout
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidImageTar:
		return "InvalidImageTar"
	case KindTarReadError:
		return "TarReadError"
	case KindRegistryUnreachable:
		return "RegistryUnreachable"
	case KindRegistryProtocolError:
		return "RegistryProtocolError"
	case KindNotFound:
		return "NotFound"
	case KindDigestMismatch:
		return "DigestMismatch"
	case KindDeletionDisabled:
		return "DeletionDisabled"
	case KindNoOriginalTag:
		return "NoOriginalTag"
	case KindUploadFailed:
		return "UploadFailed"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the single error type every package in this module returns
// for protocol- and validation-level failures. Kind is the stable
// discriminator callers should switch on; Message is human-readable;
// Err, when set, is the lower-level cause (I/O error, transport error).
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Protocol context, populated only where relevant.
	Status   int    // RegistryProtocolError
	Snippet  string // RegistryProtocolError: small body excerpt
	Ref      string // NotFound
	Expected string // DigestMismatch
	Got      string // DigestMismatch
	Digest   string // UploadFailed
	Phase    string // UploadFailed: monolithic-put/open-session/chunk@offset/chunk@final; HEAD, finalize and manifest PUT failures are not wrapped as UploadFailed
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, regerr.Cancelled) style comparisons by Kind
// alone, ignoring message/context fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind of err, or zero if err is not (or does not
// wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func InvalidImageTar(detail string) error {
	return &Error{Kind: KindInvalidImageTar, Message: detail}
}

func TarReadError(cause error) error {
	return &Error{Kind: KindTarReadError, Message: "reading tar stream", Err: cause}
}

func RegistryUnreachable(cause error) error {
	return &Error{Kind: KindRegistryUnreachable, Message: "registry unreachable", Err: cause}
}

func RegistryProtocolError(status int, snippet string) error {
	return &Error{
		Kind:    KindRegistryProtocolError,
		Message: fmt.Sprintf("unexpected registry response (status %d)", status),
		Status:  status,
		Snippet: snippet,
	}
}

func NotFound(ref string) error {
	return &Error{Kind: KindNotFound, Message: "not found", Ref: ref}
}

func DigestMismatch(expected, got string) error {
	return &Error{
		Kind:     KindDigestMismatch,
		Message:  fmt.Sprintf("digest mismatch: expected %s, got %s", expected, got),
		Expected: expected,
		Got:      got,
	}
}

func DeletionDisabled() error {
	return &Error{Kind: KindDeletionDisabled, Message: "registry does not support manifest deletion"}
}

func NoOriginalTag() error {
	return &Error{Kind: KindNoOriginalTag, Message: "tar contains no RepoTags to push under"}
}

func UploadFailed(digest, phase string, cause error) error {
	return &Error{
		Kind:    KindUploadFailed,
		Message: fmt.Sprintf("blob upload failed at phase %s", phase),
		Digest:  digest,
		Phase:   phase,
		Err:     cause,
	}
}

func Timeout(phase string) error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("timed out during %s", phase), Phase: phase}
}

// Cancelled is returned (wrapped) when a push's context is cancelled
// mid-flight; it is a value, not a constructor, since it carries no
// per-call context.
var Cancelled = &Error{Kind: KindCancelled, Message: "push cancelled"}

// IsRetriable reports whether a sub-step that failed with err is safe
// to retry: transient transport failures, 5xx, 408, and 429 are
// retriable; validation and protocol errors (DigestMismatch,
// InvalidImageTar, 4xx other than
// 408/429) are not.
func IsRetriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		// An error that isn't ours (e.g. a raw net error) is assumed
		// transient — the caller already classified it as such before
		// wrapping, or it reached here from a bare I/O failure.
		return true
	}
	switch e.Kind {
	case KindRegistryUnreachable, KindTimeout:
		return true
	case KindRegistryProtocolError:
		return e.Status == 408 || e.Status == 429 || (e.Status >= 500 && e.Status < 600)
	default:
		return false
	}
}
