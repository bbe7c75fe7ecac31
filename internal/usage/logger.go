package usage

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/llmrelay/internal/metrics"
	"github.com/relayforge/llmrelay/internal/observability"
)

// Sink is one ledger destination.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
}

// writeTimeout bounds one sink write so a dead sink cannot back up the
// dispatch queue forever.
const writeTimeout = 10 * time.Second

// Logger dispatches records to every sink from a background worker.
// Dispatch never blocks the request path: a full queue drops the record
// and counts the drop.
type Logger struct {
	sinks  []Sink
	queue  chan Record
	logger *observability.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewLogger starts the dispatch worker. With no sinks the logger still
// accepts records and discards them.
func NewLogger(sinks []Sink, queueDepth int, logger *observability.Logger) *Logger {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	l := &Logger{
		sinks:  sinks,
		queue:  make(chan Record, queueDepth),
		logger: logger,
		stop:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Log enqueues one record.
func (l *Logger) Log(rec Record) {
	select {
	case l.queue <- rec:
	default:
		metrics.LedgerWrites.WithLabelValues("queue", "dropped").Inc()
		l.logger.Warn("usage queue full, record dropped", "request_id", rec.RequestID)
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.queue:
			l.dispatch(rec)
		case <-l.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case rec := <-l.queue:
					l.dispatch(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) dispatch(rec Record) {
	for _, sink := range l.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := sink.Write(ctx, rec)
		cancel()

		if err != nil {
			metrics.LedgerWrites.WithLabelValues(sink.Name(), "error").Inc()
			l.logger.RedactedError("ledger write failed",
				"sink", sink.Name(), "request_id", rec.RequestID, "error", err)
			continue
		}
		metrics.LedgerWrites.WithLabelValues(sink.Name(), "ok").Inc()
	}
}

// Close stops the worker after draining the queue.
func (l *Logger) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}
