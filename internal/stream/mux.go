package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// DefaultBuffer is the bounded event queue depth. A full queue blocks the
// producer instead of growing.
const DefaultBuffer = 16

// Writer is the single owner of one request's outbound stream. Producers
// push events through Send/End; Serve drains them onto the transport in
// order and stops after the first terminal event.
type Writer struct {
	ch    chan Event
	stall time.Duration

	endOnce  sync.Once
	finished chan struct{}
}

// NewWriter creates a stream writer. stall bounds how long one transport
// write may block before the request is aborted; zero disables the bound.
func NewWriter(buffer int, stall time.Duration) *Writer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Writer{
		ch:       make(chan Event, buffer),
		stall:    stall,
		finished: make(chan struct{}),
	}
}

// Send enqueues a non-terminal event, blocking under backpressure. It
// returns false once the stream is finished or aborted, which producers
// should treat as a stop signal.
func (w *Writer) Send(e Event) bool {
	select {
	case w.ch <- e:
		return true
	case <-w.finished:
		return false
	}
}

// End enqueues the terminal event. Only the first call wins; later calls
// and later Sends are dropped, so no event ever follows the terminal one.
func (w *Writer) End(e Event) {
	w.endOnce.Do(func() {
		select {
		case w.ch <- e:
		case <-w.finished:
		}
	})
}

// Finished reports stream completion to producers running in their own
// goroutines.
func (w *Writer) Finished() <-chan struct{} { return w.finished }

// Serve writes events to rw until the terminal event or failure. It must
// be called from the request handler goroutine. On a stalled or closed
// transport it cancels via the returned error; the caller's context should
// be wired to abort in-flight provider work.
func (w *Writer) Serve(ctx context.Context, rw http.ResponseWriter) error {
	defer close(w.finished)

	rc := http.NewResponseController(rw)
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-w.ch:
			if err := w.write(rc, rw, e); err != nil {
				return err
			}
			if e.Terminal() {
				return nil
			}
		}
	}
}

func (w *Writer) write(rc *http.ResponseController, rw http.ResponseWriter, e Event) error {
	if w.stall > 0 {
		if err := rc.SetWriteDeadline(time.Now().Add(w.stall)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	data, err := json.Marshal(e.Payload)
	if err != nil {
		// A payload that cannot encode must not silently vanish.
		data = []byte(`{}`)
	}
	if _, err := fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("transport flush: %w", err)
	}
	return nil
}

// ReadSSE iterates the data payloads of a provider SSE response. Multi-line
// data fields are joined with newlines; comment and event-name lines are
// skipped because adapters route on the payload itself.
func ReadSSE(r io.Reader, handle func(data []byte) (stop bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	flush := func() (bool, error) {
		if data.Len() == 0 {
			return false, nil
		}
		payload := data.String()
		data.Reset()
		return handle([]byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			stop, err := flush()
			if err != nil || stop {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err := flush()
	return err
}
