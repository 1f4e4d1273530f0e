// Package reconstruct turns an accepted image into a mesh artifact by
// resolving a backend, supervising its process and interpreting whatever the
// process left behind. Every failure is folded into a small fixed taxonomy
// (ErrorKind) and returned as a value; nothing here retries.
package reconstruct

import (
	"strings"
	"unicode/utf8"
)

// ErrorKind classifies a failed reconstruction.
type ErrorKind string

const (
	// ErrorConfiguration: unknown mode or backend not installed. Not retryable.
	ErrorConfiguration ErrorKind = "ConfigurationError"

	// ErrorTimeout: the process exceeded its wall-clock budget.
	ErrorTimeout ErrorKind = "Timeout"

	// ErrorAuthRequired: the backend needs credentials or gated model access.
	ErrorAuthRequired ErrorKind = "AuthRequired"

	// ErrorBackendFailure: nonzero exit or self-reported failure without a
	// recognized signature.
	ErrorBackendFailure ErrorKind = "BackendFailure"

	// ErrorArtifactMissing: the backend claimed success but nothing was found.
	ErrorArtifactMissing ErrorKind = "ArtifactMissing"
)

// ArtifactResult is the outcome of one reconstruction call. The artifact file
// itself belongs to the task directory's owner.
type ArtifactResult struct {
	Success      bool      `json:"success"`
	ArtifactPath string    `json:"mesh_path,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail  string    `json:"error,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(path string) ArtifactResult {
	return ArtifactResult{Success: true, ArtifactPath: path}
}

// Failed builds a failure result.
func Failed(kind ErrorKind, detail string) ArtifactResult {
	return ArtifactResult{ErrorKind: kind, ErrorDetail: detail}
}

// excerptLimit bounds stderr excerpts surfaced to callers.
const excerptLimit = 200

// excerpt returns at most excerptLimit runes of s, trimmed.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= excerptLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:excerptLimit]) + "..."
}
