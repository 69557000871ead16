package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileRecorder appends events to a JSONL file. It uses O_APPEND for
// cross-process safety and a mutex for in-process serialization.
// Recording errors are written to stderr and never returned.
//
// FileRecorder implements [Provider] — it can both record and read events.
type FileRecorder struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	seq    uint64
	stderr io.Writer
}

// NewFileRecorder opens (or creates) the event log at path. It scans any
// existing file to find the maximum sequence number so new events continue
// monotonically. Parent directories are created as needed.
func NewFileRecorder(path string, stderr io.Writer) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}

	// Scan existing file for max seq before opening for append.
	var maxSeq uint64
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var e Event
			if json.Unmarshal(scanner.Bytes(), &e) == nil && e.Seq > maxSeq {
				maxSeq = e.Seq
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close() //nolint:errcheck // closing after scan error
			return nil, fmt.Errorf("scanning event log: %w", err)
		}
		f.Close() //nolint:errcheck // read-only scan
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	return &FileRecorder{
		path:   path,
		file:   file,
		seq:    maxSeq,
		stderr: stderr,
	}, nil
}

// Record appends an event to the log. It auto-fills Seq and Ts (if zero).
// Errors are written to stderr — never returned.
func (r *FileRecorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e.Seq = r.seq
	if e.Ts.IsZero() {
		e.Ts = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(r.stderr, "events: marshal: %v\n", err) //nolint:errcheck // best-effort stderr
		return
	}
	data = append(data, '\n')
	if _, err := r.file.Write(data); err != nil {
		fmt.Fprintf(r.stderr, "events: write: %v\n", err) //nolint:errcheck // best-effort stderr
	}
}

// List returns events matching the filter from the underlying file.
func (r *FileRecorder) List(filter Filter) ([]Event, error) {
	return ReadFiltered(r.path, filter)
}

// LatestSeq returns the highest sequence number in the event log.
func (r *FileRecorder) LatestSeq() (uint64, error) {
	return ReadLatestSeq(r.path)
}

// Watch returns a Watcher streaming events after afterSeq. The watcher
// wakes on filesystem notifications for the log's directory, coalesced
// over a short debounce window; when the notifier cannot be started it
// degrades to polling alone. A slow poll tick backstops both modes.
func (r *FileRecorder) Watch(ctx context.Context, afterSeq uint64) (Watcher, error) {
	w := &fileWatcher{
		path:     r.path,
		afterSeq: afterSeq,
		ctx:      ctx,
		poll:     2 * time.Second,
		wake:     make(chan struct{}, 1),
	}
	w.startNotifier(r.stderr)
	return w, nil
}

// Close closes the underlying file.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// watchDebounce coalesces filesystem events (editors and appenders often
// produce bursts). Tests may shorten it.
var watchDebounce = 50 * time.Millisecond

// fileWatcher tails a JSONL file, woken by fsnotify with a poll backstop.
type fileWatcher struct {
	path     string
	afterSeq uint64
	ctx      context.Context
	poll     time.Duration
	wake     chan struct{}
	notifier *fsnotify.Watcher
	offset   int64
	buf      []Event // buffered events from last scan
}

// startNotifier watches the log's directory (the file itself may be
// renamed or not exist yet). Failure degrades to poll-only: a warning
// goes to stderr and Next still works.
func (w *fileWatcher) startNotifier(stderr io.Writer) {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(stderr, "events: watcher: %v (polling only)\n", err) //nolint:errcheck // best-effort stderr
		return
	}
	if err := notifier.Add(filepath.Dir(w.path)); err != nil {
		fmt.Fprintf(stderr, "events: cannot watch %s: %v (polling only)\n", filepath.Dir(w.path), err) //nolint:errcheck // best-effort stderr
		notifier.Close() //nolint:errcheck // cleanup after failed Add
		return
	}
	w.notifier = notifier
	go func() {
		var debounce *time.Timer
		for {
			select {
			case _, ok := <-notifier.Events:
				if !ok {
					return
				}
				// Debounce: reset timer on each event, fire after quiet period.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					select {
					case w.wake <- struct{}{}:
					default:
					}
				})
			case _, ok := <-notifier.Errors:
				if !ok {
					return
				}
			case <-w.ctx.Done():
				return
			}
		}
	}()
}

// Next blocks until the next event is available or the context is canceled.
func (w *fileWatcher) Next() (Event, error) {
	for {
		// Drain buffer first.
		if len(w.buf) > 0 {
			e := w.buf[0]
			w.buf = w.buf[1:]
			return e, nil
		}

		// Check context.
		select {
		case <-w.ctx.Done():
			return Event{}, w.ctx.Err()
		default:
		}

		// Scan for new events.
		evts, newOffset, err := ReadFrom(w.path, w.offset)
		if err != nil {
			return Event{}, err
		}
		w.offset = newOffset

		// Filter to events after our cursor.
		for _, e := range evts {
			if e.Seq > w.afterSeq {
				w.afterSeq = e.Seq
				w.buf = append(w.buf, e)
			}
		}

		if len(w.buf) > 0 {
			continue // drain buffer on next iteration
		}

		// No new events — wait for a notification or the poll backstop.
		select {
		case <-w.ctx.Done():
			return Event{}, w.ctx.Err()
		case <-w.wake:
		case <-time.After(w.poll):
		}
	}
}

// Close releases the filesystem notifier, if one was started.
func (w *fileWatcher) Close() error {
	if w.notifier != nil {
		return w.notifier.Close()
	}
	return nil
}
