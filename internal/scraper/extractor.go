package scraper

import (
	"context"
	"errors"
)

// ErrBudgetExhausted is returned by Emit when the record budget is spent.
// Extractors should stop extracting when they see it; the run still counts
// as a success.
var ErrBudgetExhausted = errors.New("record budget exhausted")

// Sink receives records as the extractor produces them. Emit accepts either a
// RawRecord or a bare string; anything else is rejected. Emissions are lazy,
// finite, and non-restartable: once Emit returns an error the extractor must
// stop.
type Sink interface {
	Emit(v any) error
}

// Extractor is the capability interface every scraper implements. Extract
// pulls records from the source and pushes them into the sink, honouring ctx
// cancellation at I/O boundaries.
type Extractor interface {
	Extract(ctx context.Context, fetch *Fetcher, sink Sink) error
}

// Factory builds a fresh Extractor per run. Extractors must not share state
// across runs.
type Factory func() Extractor

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, fetch *Fetcher, sink Sink) error

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, fetch *Fetcher, sink Sink) error {
	return f(ctx, fetch, sink)
}
