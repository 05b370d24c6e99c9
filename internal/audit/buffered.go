package audit

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrClosed     = errors.New("audit writer closed")
	ErrBufferFull = errors.New("audit buffer full")
)

// BufferedWriter collects records in memory and hands them to the inner
// writer from a background goroutine, on a timer or when the buffer fills.
// Write never blocks on the inner writer; when the buffer is full the record
// is dropped and counted.
type BufferedWriter struct {
	inner   Writer
	logger  *zap.Logger
	maxSize int

	mu      sync.Mutex
	pending []Record
	closed  bool

	flushNow chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	dropped  atomic.Int64
}

func NewBufferedWriter(inner Writer, maxSize int, interval time.Duration, logger *zap.Logger) *BufferedWriter {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bw := &BufferedWriter{
		inner:    inner,
		logger:   logger.Named("audit"),
		maxSize:  maxSize,
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go bw.run(interval)
	return bw
}

func (bw *BufferedWriter) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(bw.stopped)
	for {
		select {
		case <-bw.done:
			return
		case <-ticker.C:
			bw.Flush()
		case <-bw.flushNow:
			bw.Flush()
		}
	}
}

func (bw *BufferedWriter) Write(rec Record) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrClosed
	}
	if len(bw.pending) >= bw.maxSize {
		bw.mu.Unlock()
		bw.dropped.Inc()
		return ErrBufferFull
	}
	bw.pending = append(bw.pending, rec)
	full := len(bw.pending) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush hands every buffered record to the inner writer.
func (bw *BufferedWriter) Flush() {
	bw.mu.Lock()
	if len(bw.pending) == 0 {
		bw.mu.Unlock()
		return
	}
	batch := bw.pending
	bw.pending = nil
	bw.mu.Unlock()

	for _, rec := range batch {
		if err := bw.inner.Write(rec); err != nil {
			bw.logger.Warn("audit write failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}
}

// Dropped returns the number of records rejected because the buffer was full.
func (bw *BufferedWriter) Dropped() int64 {
	return bw.dropped.Load()
}

// Close stops the background flush, drains what is buffered and closes the
// inner writer.
func (bw *BufferedWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	<-bw.stopped
	bw.Flush()

	var err error
	if n := bw.dropped.Load(); n > 0 {
		err = multierr.Append(err, errors.Errorf("%d audit records dropped", n))
	}
	return multierr.Append(err, bw.inner.Close())
}
