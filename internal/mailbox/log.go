package mailbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Malformed describes an event log line that could not be decoded.
type Malformed struct {
	Offset int64
	Err    error
}

// ReadResult is the outcome of reading an event log forward from an offset.
type ReadResult struct {
	Events    []Event
	Next      int64
	Malformed []Malformed
}

// ReadEvents decodes every complete line after offset. A trailing line
// without its newline is left for the next read. Lines that fail to decode
// are reported in Malformed and skipped. If the log is shorter than offset
// it was recreated, and reading restarts from the beginning.
func (m *Mailbox) ReadEvents(offset int64) (ReadResult, error) {
	f, err := os.Open(m.path(eventsFile))
	if errors.Is(err, os.ErrNotExist) {
		return ReadResult{Next: offset}, nil
	}
	if err != nil {
		return ReadResult{Next: offset}, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ReadResult{Next: offset}, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return ReadResult{Next: offset}, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ReadResult{Next: offset}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ReadResult{Next: offset}, fmt.Errorf("read event log: %w", err)
	}

	res := ReadResult{Next: offset}
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := bytes.TrimSpace(data[:nl])
		lineOffset := res.Next
		data = data[nl+1:]
		res.Next += int64(nl + 1)

		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			res.Malformed = append(res.Malformed, Malformed{Offset: lineOffset, Err: err})
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

// Size returns the current length of the event log.
func (m *Mailbox) Size() int64 {
	info, err := os.Stat(m.path(eventsFile))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Tail returns up to n of the most recent decodable events.
func (m *Mailbox) Tail(n int) ([]Event, error) {
	res, err := m.ReadEvents(0)
	if err != nil {
		return nil, err
	}
	if len(res.Events) > n {
		return res.Events[len(res.Events)-n:], nil
	}
	return res.Events, nil
}
