package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrStoreUnavailable  = errors.New("job store unavailable")
	ErrJobNotFound       = errors.New("job not found")
	ErrDoubleCompletion  = errors.New("job is not active under this lease")
	ErrRenderTimeout     = errors.New("render timed out")
	ErrEngineCrash       = errors.New("rendering engine crashed")
	ErrInvalidContent    = errors.New("invalid document content")
	ErrEngineUnavailable = errors.New("rendering engine unavailable")
	ErrUnknownKind       = errors.New("unknown job kind")
	ErrWorkerLost        = errors.New("worker stopped reporting")
	ErrArtifactWrite     = errors.New("artifact write failed")
	ErrArtifactNotFound  = errors.New("artifact not found")
)

// Reason codes stored in errorReason.
const (
	CodeRenderTimeout  = "render_timeout"
	CodeEngineCrash    = "engine_crash"
	CodeInvalidContent = "invalid_content"
	CodeUnknownKind    = "unknown_kind"
	CodeWorkerLost     = "worker_lost"
	CodeArtifactWrite  = "artifact_write"
	CodeInternal       = "internal"
)

// Failure is the classified form of a handler error.
type Failure struct {
	Code      string
	Message   string
	Retryable bool
}

// Reason renders the user-visible reason string.
func (f Failure) Reason() string {
	if f.Message == "" {
		return f.Code
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Classify maps an error onto the failure taxonomy. Only the message of the
// matched sentinel and any safe details are exposed, never the wrapped chain.
func Classify(err error) Failure {
	switch {
	case err == nil:
		return Failure{}
	case errors.Is(err, ErrInvalidContent):
		return Failure{Code: CodeInvalidContent, Message: safeMessage(err, ErrInvalidContent), Retryable: false}
	case errors.Is(err, ErrUnknownKind):
		return Failure{Code: CodeUnknownKind, Message: safeMessage(err, ErrUnknownKind), Retryable: false}
	case errors.Is(err, ErrRenderTimeout):
		return Failure{Code: CodeRenderTimeout, Message: safeMessage(err, ErrRenderTimeout), Retryable: true}
	case errors.Is(err, ErrEngineCrash):
		return Failure{Code: CodeEngineCrash, Message: safeMessage(err, ErrEngineCrash), Retryable: true}
	case errors.Is(err, ErrWorkerLost):
		return Failure{Code: CodeWorkerLost, Message: safeMessage(err, ErrWorkerLost), Retryable: true}
	case errors.Is(err, ErrArtifactWrite):
		return Failure{Code: CodeArtifactWrite, Message: safeMessage(err, ErrArtifactWrite), Retryable: true}
	default:
		return Failure{Code: CodeInternal, Message: "unexpected processing error", Retryable: true}
	}
}

// safeMessage prefers user-facing hints attached with errors.WithHint and
// falls back to the sentinel text.
func safeMessage(err, sentinel error) string {
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		return hints[0]
	}
	return sentinel.Error()
}

// IsRetryable reports whether a handler error should re-queue the job.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}
