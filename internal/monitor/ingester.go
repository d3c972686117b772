package monitor

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"

	"github.com/sre-sentinel/sentinel/internal/clock"
	"github.com/sre-sentinel/sentinel/internal/events"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/metrics"
	"github.com/sre-sentinel/sentinel/internal/redact"
	"github.com/sre-sentinel/sentinel/internal/retry"
)

// maxLineBytes bounds a single scanned log line.
const maxLineBytes = 1024 * 1024

// LogSource is the engine surface the ingester attaches to.
type LogSource interface {
	FollowLogs(ctx context.Context, id string, since time.Time) (io.ReadCloser, bool, error)
}

// Ingester follows a container's log stream, publishes each redacted line on
// the log topic, and batches lines into windows for the anomaly gate. A
// window closes when it reaches windowSize lines or when flushInterval
// passes with at least one buffered line.
type Ingester struct {
	api           LogSource
	bus           Publisher
	sink          WindowSink
	windowSize    int
	flushInterval time.Duration
	clk           clock.Clock
	log           *logging.Logger

	backoff retry.Policy
}

func NewIngester(api LogSource, bus Publisher, sink WindowSink, windowSize int, flushInterval time.Duration, clk clock.Clock, log *logging.Logger) *Ingester {
	return &Ingester{
		api:           api,
		bus:           bus,
		sink:          sink,
		windowSize:    windowSize,
		flushInterval: flushInterval,
		clk:           clk,
		log:           log.Component("ingester"),
		backoff:       retry.Policy{Base: time.Second, Multiplier: 2, Cap: 30 * time.Second},
	}
}

// Watch follows the container's logs until ctx is cancelled, reattaching
// with backoff when the stream drops. Any buffered window is drained before
// returning.
func (in *Ingester) Watch(ctx context.Context, d Descriptor) {
	w := &windower{in: in, desc: d}
	since := in.clk.Now()
	failures := 0

	for {
		if ctx.Err() != nil {
			w.flush()
			return
		}

		lastAt, err := in.follow(ctx, d, since, w)
		if lastAt.After(since) {
			since = lastAt
			failures = 0
		}
		if ctx.Err() != nil {
			w.flush()
			return
		}
		if err != nil {
			in.log.Debug("log stream dropped", "container", d.Name, "error", err)
		}

		failures++
		select {
		case <-in.clk.After(in.backoff.Delay(failures)):
		case <-ctx.Done():
			w.flush()
			return
		}
	}
}

// follow runs one attachment to the log stream. It returns the timestamp of
// the last line read, used as the resume point for the next attachment.
func (in *Ingester) follow(ctx context.Context, d Descriptor, since time.Time, w *windower) (time.Time, error) {
	rc, tty, err := in.api.FollowLogs(ctx, d.ID, since)
	if err != nil {
		return since, err
	}
	defer rc.Close()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		pr, pw := io.Pipe()
		go func() {
			var err error
			if tty {
				_, err = io.Copy(pw, rc)
			} else {
				_, err = stdcopy.StdCopy(pw, pw, rc)
			}
			pw.CloseWithError(err)
		}()
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	lastAt := since
	var flushCh <-chan time.Time
	if w.pending() {
		// Lines carried across a reconnect still ship within flushInterval
		// of the re-attach.
		flushCh = in.clk.After(in.flushInterval)
	}
	for {
		select {
		case <-ctx.Done():
			rc.Close()
			return lastAt, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				// Stream ended. The partial window rides across the
				// reconnect; the flush timer re-armed on re-attach ships it.
				var err error
				select {
				case err = <-scanErr:
				default:
				}
				return lastAt, err
			}
			lastAt = in.clk.Now()
			in.ingest(d, line, lastAt, w)
			// The flush timer runs from the first line of a window, so a
			// slow trickle still ships within flushInterval.
			if flushCh == nil && w.pending() {
				flushCh = in.clk.After(in.flushInterval)
			}
		case <-flushCh:
			w.flush()
			flushCh = nil
		}
	}
}

func (in *Ingester) ingest(d Descriptor, raw string, at time.Time, w *windower) {
	line := redact.Line(raw)
	metrics.LogLinesTotal.Inc()
	in.bus.Publish(events.TopicLog, LogLine{
		ContainerID: d.ID,
		Service:     d.Service,
		Level:       guessLevel(line),
		Message:     line,
		Timestamp:   at,
	})
	w.add(line, at)
}

// windower accumulates redacted lines into sequenced windows.
type windower struct {
	in    *Ingester
	desc  Descriptor
	seq   uint64
	lines []string
	first time.Time
	last  time.Time
}

func (w *windower) pending() bool { return len(w.lines) > 0 }

func (w *windower) add(line string, at time.Time) {
	if len(w.lines) == 0 {
		w.first = at
	}
	w.lines = append(w.lines, line)
	w.last = at
	if len(w.lines) >= w.in.windowSize {
		w.flush()
	}
}

func (w *windower) flush() {
	if len(w.lines) == 0 {
		return
	}
	w.seq++
	w.in.sink.Submit(LogWindow{
		ContainerID: w.desc.ID,
		Service:     w.desc.Service,
		Seq:         w.seq,
		Lines:       w.lines,
		First:       w.first,
		Last:        w.last,
	})
	w.lines = nil
}

func guessLevel(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "fatal"), strings.Contains(l, "panic"),
		strings.Contains(l, "error"), strings.Contains(l, "exception"),
		strings.Contains(l, "traceback"):
		return "error"
	case strings.Contains(l, "warn"):
		return "warn"
	case strings.Contains(l, "debug"):
		return "debug"
	default:
		return "info"
	}
}
