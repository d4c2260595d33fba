package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineSize is the upper bound (in bytes) for a single SSE line.
const MaxLineSize = 1024 * 1024 // 1 MB

// DoneSentinel is the data payload that terminates a Responses stream.
const DoneSentinel = "[DONE]"

// ErrStreamRead wraps failures of the underlying byte stream.
var ErrStreamRead = errors.New("sse stream read failed")

// Reader turns a text/event-stream body into data payloads.
//
// Every "data:" line of an event block yields one payload. Payloads of a
// block are released once the blank line that terminates the block arrives,
// so a line split across any number of reads is reassembled before it is
// seen. Bytes are only decoded at line boundaries; a multi-byte character
// spanning two reads is never split.
type Reader struct {
	scanner *bufio.Scanner
	pending []string
	done    bool
	sawDone bool
	err     error
}

// NewReader creates a new SSE reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	scanner.Split(scanLines)
	return &Reader{scanner: scanner}
}

// Next returns the next data payload. It returns io.EOF after the [DONE]
// sentinel or a clean end of stream, and an error wrapping ErrStreamRead when
// the underlying reader fails. Once Next returns an error it keeps returning it.
func (r *Reader) Next() (string, error) {
	for {
		if len(r.pending) > 0 {
			payload := r.pending[0]
			r.pending = r.pending[1:]
			return payload, nil
		}
		if r.done {
			if r.err != nil {
				return "", r.err
			}
			return "", io.EOF
		}
		r.readBlock()
	}
}

// SawDone reports whether the stream ended with the [DONE] sentinel rather
// than a plain end of stream.
func (r *Reader) SawDone() bool {
	return r.sawDone
}

func (r *Reader) readBlock() {
	var block []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if len(block) > 0 {
				r.pending = block
				return
			}
			continue
		}
		payload, ok := dataPayload(line)
		if !ok {
			continue
		}
		if payload == DoneSentinel {
			// Stop here; nothing after [DONE] is read.
			r.pending = block
			r.sawDone = true
			r.done = true
			return
		}
		block = append(block, payload)
	}

	r.done = true
	if err := r.scanner.Err(); err != nil {
		r.err = fmt.Errorf("%w: %w", ErrStreamRead, err)
		return
	}
	// Clean EOF: a final block without its blank line is still delivered.
	r.pending = block
}

// dataPayload extracts the payload of a "data:" line. Keep-alive lines with
// an empty payload are skipped.
func dataPayload(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	payload := strings.TrimSpace(rest)
	if payload == "" {
		return "", false
	}
	return payload, true
}

// scanLines splits on LF, CRLF or a bare CR. A CR at the end of the buffered
// data waits for the next read so a CRLF split across reads stays one break.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	i := bytes.IndexAny(data, "\r\n")
	switch {
	case i < 0:
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	case data[i] == '\n':
		return i + 1, data[:i], nil
	case i+1 < len(data):
		if data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		return i + 1, data[:i], nil
	case atEOF:
		return i + 1, data[:i], nil
	default:
		return 0, nil, nil
	}
}
