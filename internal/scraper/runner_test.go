package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loon-data/loon/platform/internal/domain"
)

func testDescriptor() domain.ScraperDescriptor {
	return domain.ScraperDescriptor{
		ID:             "ca_on",
		Category:       domain.CategoryProvincial,
		Jurisdiction:   "ca-on",
		Kind:           domain.JurisdictionProvincial,
		TimeoutSeconds: 60,
	}
}

func emitN(n int) Factory {
	return func() Extractor {
		return ExtractorFunc(func(ctx context.Context, fetch *Fetcher, sink Sink) error {
			for i := 0; i < n; i++ {
				err := sink.Emit(RawRecord{
					Kind:   KindRepresentative,
					Fields: map[string]RawField{"name": BareField("Rep")},
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func collect(records *[]RawRecord) Consume {
	return func(ctx context.Context, rec RawRecord) error {
		*records = append(*records, rec)
		return nil
	}
}

func TestRunner_ZeroRecordsIsSuccess(t *testing.T) {
	r := NewRunner(nil, nil)

	res := r.Run(context.Background(), testDescriptor(), emitN(0), Budget{Timeout: time.Minute}, nil)

	assert.Equal(t, domain.RunSuccess, res.Status)
	assert.Equal(t, 0, res.RecordsFound)
	assert.Empty(t, res.Errors)
	assert.NoError(t, res.Err)
}

func TestRunner_StreamsRecordsToConsumer(t *testing.T) {
	r := NewRunner(nil, nil)
	var records []RawRecord

	res := r.Run(context.Background(), testDescriptor(), emitN(3), Budget{Timeout: time.Minute}, collect(&records))

	assert.Equal(t, domain.RunSuccess, res.Status)
	assert.Equal(t, 3, res.RecordsFound)
	assert.Len(t, records, 3)
}

func TestRunner_BudgetExhaustedIsSuccessWithWarning(t *testing.T) {
	r := NewRunner(nil, nil)
	var records []RawRecord

	res := r.Run(context.Background(), testDescriptor(), emitN(10),
		Budget{Timeout: time.Minute, MaxRecords: 5}, collect(&records))

	assert.Equal(t, domain.RunSuccess, res.Status)
	assert.Equal(t, 5, res.RecordsFound)
	assert.Len(t, records, 5)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, domain.IssueBudgetExhausted, res.Issues[0].Kind)
	assert.Equal(t, domain.SeverityWarning, res.Issues[0].Severity)
}

func TestRunner_ExactlyMaxRecordsStillWarns(t *testing.T) {
	r := NewRunner(nil, nil)

	res := r.Run(context.Background(), testDescriptor(), emitN(5),
		Budget{Timeout: time.Minute, MaxRecords: 5}, nil)

	assert.Equal(t, domain.RunSuccess, res.Status)
	assert.Equal(t, 5, res.RecordsFound)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, domain.IssueBudgetExhausted, res.Issues[0].Kind)
}

func TestRunner_BareStringCoercedNotFailed(t *testing.T) {
	r := NewRunner(nil, nil)
	factory := func() Extractor {
		return ExtractorFunc(func(ctx context.Context, fetch *Fetcher, sink Sink) error {
			return sink.Emit("loose output")
		})
	}
	var records []RawRecord

	res := r.Run(context.Background(), testDescriptor(), factory, Budget{Timeout: time.Minute}, collect(&records))

	assert.Equal(t, domain.RunSuccess, res.Status)
	require.Len(t, records, 1)
	assert.Equal(t, KindUnknown, records[0].Kind)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, domain.IssueUnknownClassification, res.Issues[0].Kind)
}

func TestRunner_PanicIsolated(t *testing.T) {
	r := NewRunner(nil, nil)
	factory := func() Extractor {
		return ExtractorFunc(func(ctx context.Context, fetch *Fetcher, sink Sink) error {
			panic("markup changed under us")
		})
	}

	res := r.Run(context.Background(), testDescriptor(), factory, Budget{Timeout: time.Minute}, nil)

	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.ErrorScraperPanic, domain.KindOf(res.Err))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.ErrorScraperPanic, res.Errors[0].Kind)
}

func TestRunner_DeadlineYieldsTimeoutWithPartialRecords(t *testing.T) {
	r := NewRunner(nil, nil)
	factory := func() Extractor {
		return ExtractorFunc(func(ctx context.Context, fetch *Fetcher, sink Sink) error {
			if err := sink.Emit(RawRecord{Kind: KindBill, Fields: map[string]RawField{}}); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}
	var records []RawRecord

	res := r.Run(context.Background(), testDescriptor(), factory,
		Budget{Timeout: 50 * time.Millisecond}, collect(&records))

	assert.Equal(t, domain.RunTimeout, res.Status)
	assert.Len(t, records, 1, "already-emitted records are still delivered")
	assert.Equal(t, domain.ErrorTimeout, domain.KindOf(res.Err))
}

func TestRunner_ParentCancelYieldsCancelled(t *testing.T) {
	r := NewRunner(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	factory := func() Extractor {
		return ExtractorFunc(func(ctx context.Context, fetch *Fetcher, sink Sink) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
	}

	res := r.Run(ctx, testDescriptor(), factory, Budget{Timeout: time.Minute}, nil)

	assert.Equal(t, domain.RunCancelled, res.Status)
}

func TestRunner_ExtractorErrorCaptured(t *testing.T) {
	r := NewRunner(nil, nil)
	factory := func() Extractor {
		return ExtractorFunc(func(ctx context.Context, fetch *Fetcher, sink Sink) error {
			return domain.Classifyf(domain.ErrorParse, "expected table#members, found none")
		})
	}

	res := r.Run(context.Background(), testDescriptor(), factory, Budget{Timeout: time.Minute}, nil)

	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, domain.ErrorParse, domain.KindOf(res.Err))
}

func TestRunner_ConsumerErrorStopsExtraction(t *testing.T) {
	r := NewRunner(nil, nil)
	storeDown := domain.Classifyf(domain.ErrorStoreUnavailable, "pool exhausted")
	emitted := 0
	factory := func() Extractor {
		return ExtractorFunc(func(ctx context.Context, fetch *Fetcher, sink Sink) error {
			for i := 0; i < 10; i++ {
				emitted++
				if err := sink.Emit(RawRecord{Kind: KindEvent, Fields: map[string]RawField{}}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	consume := func(ctx context.Context, rec RawRecord) error {
		return storeDown
	}

	res := r.Run(context.Background(), testDescriptor(), factory, Budget{Timeout: time.Minute}, consume)

	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Equal(t, 1, emitted, "extractor stops at first sink error")
	assert.True(t, errors.Is(res.Err, storeDown))
}
