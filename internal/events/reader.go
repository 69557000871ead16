package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Filter specifies predicates for List/ReadFiltered. Zero values are ignored.
type Filter struct {
	Type     string    // match events with this Type
	Actor    string    // match events with this Actor
	Since    time.Time // match events at or after this time
	AfterSeq uint64    // match events with Seq > AfterSeq (0 = no filter)
}

// match reports whether e passes every non-zero predicate.
func (f Filter) match(e Event) bool {
	if f.AfterSeq > 0 && e.Seq <= f.AfterSeq {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && e.Ts.Before(f.Since) {
		return false
	}
	return true
}

// scanEvents reads JSONL events from r, invoking fn per decoded event.
// Malformed lines (partial writes) are skipped. Returns the number of
// bytes consumed, counting one newline per line.
func scanEvents(r io.Reader, fn func(Event)) (int64, error) {
	scanner := bufio.NewScanner(r)
	var n int64
	for scanner.Scan() {
		line := scanner.Bytes()
		n += int64(len(line)) + 1
		var e Event
		if json.Unmarshal(line, &e) == nil {
			fn(e)
		}
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scanning events: %w", err)
	}
	return n, nil
}

// ReadAll reads all events from the JSONL file at path.
// Returns (nil, nil) if the file is missing or empty.
func ReadAll(path string) ([]Event, error) {
	return ReadFiltered(path, Filter{})
}

// ReadFiltered reads events from path and returns only those matching
// all non-zero fields in filter. Returns (nil, nil) if the file is
// missing or empty.
func ReadFiltered(path string, filter Filter) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading events: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var result []Event
	_, err = scanEvents(f, func(e Event) {
		if filter.match(e) {
			result = append(result, e)
		}
	})
	return result, err
}

// ReadLatestSeq returns the highest Seq in the events file, or 0 if
// the file is missing or empty.
func ReadLatestSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading latest seq: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var maxSeq uint64
	_, err = scanEvents(f, func(e Event) {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	})
	return maxSeq, err
}

// ReadFrom reads events starting at the given byte offset in the file.
// Returns the events read, the byte offset after the last complete line,
// and any error. Returns (nil, offset, nil) if no new data is available
// or the file doesn't exist yet.
func ReadFrom(path string, offset int64) ([]Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("reading events: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seeking events: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, fmt.Errorf("reading events: %w", err)
	}
	// Stop at the last newline so a partially written line is read again
	// once it is complete.
	complete := data[:bytes.LastIndexByte(data, '\n')+1]

	var result []Event
	n, err := scanEvents(bytes.NewReader(complete), func(e Event) { result = append(result, e) })
	return result, offset + n, err
}
