// Package ingest consumes the batches connectors emit and writes them as
// newline-delimited JSON. It is the default downstream of the connector
// subsystem: one bounded channel feeds one writer goroutine, so slow output
// turns into sink backpressure rather than unbounded memory growth.
package ingest

import (
	"bufio"
	"context"
	"io"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/edgeflow-io/edgeflow/pkg/connector/core"
	"github.com/edgeflow-io/edgeflow/pkg/errors"
	"github.com/edgeflow-io/edgeflow/pkg/logger"
)

var (
	batchesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgeflow_ingest_batches_consumed_total",
		Help: "Batches drained from the sink channel",
	})
	pointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgeflow_ingest_datapoints_written_total",
		Help: "Data points encoded to the output stream",
	})
	writeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgeflow_ingest_write_errors_total",
		Help: "Batches that failed to encode or write",
	})
)

// Sink drains connector batches from a bounded channel and encodes each data
// point as one NDJSON line.
type Sink struct {
	logger *zap.Logger
	in     chan core.Batch
	out    *bufio.Writer

	flushEvery int
	pending    int

	once sync.Once
	done chan struct{}
}

// Option configures a Sink.
type Option func(*Sink)

// WithBuffer sets the sink channel capacity.
func WithBuffer(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.in = make(chan core.Batch, n)
		}
	}
}

// WithFlushEvery flushes the output after every n batches instead of the
// default of one, trading latency for throughput.
func WithFlushEvery(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.flushEvery = n
		}
	}
}

// NewSink creates a sink writing NDJSON to w.
func NewSink(w io.Writer, opts ...Option) *Sink {
	s := &Sink{
		logger:     logger.Get().Named("ingest"),
		in:         make(chan core.Batch, 256),
		out:        bufio.NewWriter(w),
		flushEvery: 1,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// In returns the channel connectors push batches into.
func (s *Sink) In() chan<- core.Batch {
	return s.in
}

// Run drains the channel until the context is cancelled, then drains
// whatever is still queued and flushes. It returns the first write error
// encountered after the drain completes.
func (s *Sink) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })

	var firstErr error
	record := func(err error) {
		writeErrors.Inc()
		s.logger.Error("failed to write batch", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what connectors already handed off.
			for {
				select {
				case batch := <-s.in:
					if err := s.writeBatch(batch); err != nil {
						record(err)
					}
				default:
					if err := s.out.Flush(); err != nil && firstErr == nil {
						firstErr = errors.Wrap(err, errors.ErrorTypeData, "final flush failed")
					}
					return firstErr
				}
			}
		case batch := <-s.in:
			if err := s.writeBatch(batch); err != nil {
				record(err)
			}
		}
	}
}

// Done is closed when Run has returned.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

func (s *Sink) writeBatch(batch core.Batch) error {
	for i := range batch {
		line, err := json.Marshal(&batch[i])
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to encode data point")
		}
		if _, err := s.out.Write(line); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to write data point")
		}
		if err := s.out.WriteByte('\n'); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to write data point")
		}
		pointsWritten.Inc()
	}
	batchesConsumed.Inc()

	s.pending++
	if s.pending >= s.flushEvery {
		s.pending = 0
		if err := s.out.Flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to flush output")
		}
	}
	return nil
}
