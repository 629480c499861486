package processor

import "errors"

// Errors returned by processors and the registry.
//
// A processor signals how the pipeline should treat a failure through
// these sentinels; any other error is a plain failure and the file is
// retried later.
var (
	// ErrRequestRequeue asks for the file to be retried later. It is
	// handled like a failure but logged distinctly.
	ErrRequestRequeue = errors.New("processor requested requeue")

	// ErrMissingRootMetadata is returned when the source has no document
	// root or base path and the processor needs them. The processor is
	// skipped and the chain continues with the unchanged input.
	ErrMissingRootMetadata = errors.New("source lacks document root or base path")

	// ErrUnknownProcessor is returned when a chain names a processor that
	// is not registered.
	ErrUnknownProcessor = errors.New("unknown processor")
)

// IsRequeue returns true if the processor asked to be retried later.
func IsRequeue(err error) bool {
	return errors.Is(err, ErrRequestRequeue)
}
