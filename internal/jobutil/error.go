// Package jobutil provides the error taxonomy shared by every stage of a
// transcode job: configuration, message parsing, transcoding, upload and
// queue operations.
//
// Stages return *Error values (usually wrapped with fmt.Errorf) so the
// orchestrator can classify a failure with IsKind or KindOf without knowing
// which package produced it.
package jobutil

import (
	"errors"
	"fmt"
)

// Kind categorizes job failures.
type Kind int

const (
	// KindUnknown indicates an unclassified failure.
	KindUnknown Kind = iota
	// KindConfiguration indicates a missing or invalid setting. Fatal at startup.
	KindConfiguration
	// KindMessageFormat indicates an unparseable body or a missing filename.
	KindMessageFormat
	// KindTranscode indicates the engine reported a failure or could not start.
	KindTranscode
	// KindUpload indicates the object store rejected the write.
	KindUpload
	// KindQueueOperation indicates a receive, delete, send or redrive call failed.
	KindQueueOperation
)

// String returns the taxonomy name used in logs and failure records.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindMessageFormat:
		return "MessageFormatError"
	case KindTranscode:
		return "TranscodeError"
	case KindUpload:
		return "UploadError"
	case KindQueueOperation:
		return "QueueOperationError"
	default:
		return "UnknownError"
	}
}

// Error is a classified job failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
