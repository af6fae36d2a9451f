package domain

import (
	"fmt"
	"time"
)

// ErrorKind classifies a scraping or ingestion failure. The retry controller
// and reporting surfaces key off this closed enumeration.
type ErrorKind string

const (
	// ErrorTransientIO covers network timeouts, connection resets, DNS
	// transients, 5xx responses, soft TLS failures, and 429 throttling.
	ErrorTransientIO ErrorKind = "transient_io"
	// ErrorPermanentIO covers 404 on a canonical endpoint, non-429 4xx,
	// and DNS NXDOMAIN.
	ErrorPermanentIO ErrorKind = "permanent_io"
	// ErrorParse covers HTML/JSON structure mismatches and missing nodes.
	// The scraper is flagged for maintenance.
	ErrorParse ErrorKind = "parse"
	// ErrorCoercion covers string-where-object shapes and unknown enum
	// values. Recoverable at the normalizer; the record is kept.
	ErrorCoercion ErrorKind = "coercion"
	// ErrorIntegrity covers unique constraint violations hit despite upsert
	// reasoning. The single entity is retried once to absorb races.
	ErrorIntegrity ErrorKind = "integrity"
	// ErrorTimeout means the run exceeded its hard deadline.
	ErrorTimeout ErrorKind = "timeout"
	// ErrorConfig means required configuration is missing. Fatal at startup.
	ErrorConfig ErrorKind = "configuration"
	// ErrorStoreUnavailable is a transient persistence failure.
	ErrorStoreUnavailable ErrorKind = "store_unavailable"
	// ErrorScraperPanic is a recovered panic inside scraper code.
	ErrorScraperPanic ErrorKind = "scraper_panic"
	// ErrorInternal is a bug in platform code.
	ErrorInternal ErrorKind = "internal"
)

// Transient reports whether runs failing with this kind should be retried
// automatically. Everything else needs human or code changes; retrying just
// burns the attempt budget.
func (k ErrorKind) Transient() bool {
	return k == ErrorTransientIO || k == ErrorStoreUnavailable
}

// ValidErrorKind checks if s names a known error kind.
func ValidErrorKind(s string) bool {
	switch ErrorKind(s) {
	case ErrorTransientIO, ErrorPermanentIO, ErrorParse, ErrorCoercion,
		ErrorIntegrity, ErrorTimeout, ErrorConfig, ErrorStoreUnavailable,
		ErrorScraperPanic, ErrorInternal:
		return true
	}
	return false
}

// StructuredError is one entry in a run's error log.
type StructuredError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Context    string    `json:"context,omitempty"` // URL or record identifier
	OccurredAt time.Time `json:"occurred_at"`
}

// ClassifiedError wraps an error with its taxonomy kind so callers can make
// retry decisions without string matching.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with kind. Returns nil if err is nil.
func Classify(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classifyf wraps a formatted error with kind.
func Classifyf(kind ErrorKind, format string, args ...any) error {
	return &ClassifiedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind from err, walking the wrap chain.
// Unclassified errors report ErrorInternal.
func KindOf(err error) ErrorKind {
	for err != nil {
		if ce, ok := err.(*ClassifiedError); ok {
			return ce.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ErrorInternal
		}
		err = u.Unwrap()
	}
	return ErrorInternal
}
