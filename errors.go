package recordsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error taxonomy surfaced to controllers and mutation callers.
var (
	// ErrNotFound is returned when a get-one query or a write targets a record the provider does not have.
	ErrNotFound = errors.New("recordsync: record not found")
	// ErrValidationFailed is matched by every *ValidationError.
	ErrValidationFailed = errors.New("recordsync: validation failed")
	// ErrNetworkFailure is matched by every *ProviderError: the port call was rejected or timed out.
	ErrNetworkFailure = errors.New("recordsync: network failure")
	// ErrConflict is a stale write reported by providers that track record versions.
	ErrConflict = errors.New("recordsync: stale write conflict")
)

// Additional package-level errors
var (
	ErrInvalidKey        = errors.New("recordsync: invalid query key")
	ErrInvalidMutation   = errors.New("recordsync: invalid mutation request")
	ErrNotSupported      = errors.New("recordsync: operation not supported by provider")
	ErrUndoWindowClosed  = errors.New("recordsync: undo window has closed")
	ErrMutationCancelled = errors.New("recordsync: mutation cancelled")
	ErrClosed            = errors.New("recordsync: client closed")
	ErrProviderNotSet    = errors.New("recordsync: data provider not set")
)

// ValidationError carries the field-level errors of a rejected write.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Message == "" {
			return ErrValidationFailed.Error()
		}
		return fmt.Sprintf("%s: %s", ErrValidationFailed, e.Message)
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

// ProviderError wraps a transport failure of a port call.
type ProviderError struct {
	Op       string
	Resource string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrNetworkFailure, e.Op, e.Resource, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrNetworkFailure }

// BatchError reports the per-id outcome of a batched write. Ids missing from
// Items succeeded.
type BatchError struct {
	Op        string
	Resource  string
	Succeeded []ID
	Items     map[ID]error
}

func (e *BatchError) Error() string {
	ids := e.Failed()
	return fmt.Sprintf("recordsync: %s %s: %d of %d items failed (%v)", e.Op, e.Resource,
		len(ids), len(ids)+len(e.Succeeded), ids)
}

// Failed returns the failed ids in sorted order.
func (e *BatchError) Failed() []ID {
	ids := make([]ID, 0, len(e.Items))
	for id := range e.Items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Unwrap exposes the item errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Items))
	for _, id := range e.Failed() {
		errs = append(errs, e.Items[id])
	}
	return errs
}

// classify maps a provider error onto the taxonomy. Errors the provider
// already classified keep their identity; everything else is a network failure.
func classify(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	var batchErr *BatchError
	switch {
	case errors.As(err, &batchErr):
		return err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidationFailed),
		errors.Is(err, ErrConflict), errors.Is(err, ErrNotSupported),
		errors.Is(err, ErrNetworkFailure):
		return err
	default:
		// Timeouts and cancellations count as transport failures too.
		return &ProviderError{Op: op, Resource: resource, Err: err}
	}
}
