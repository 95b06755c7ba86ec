package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/ashureev/streamchat/internal/shared"
)

const maxLoggedLine = 200

var errEmptyLine = errors.New("empty line")

// ParseFrame decodes one NDJSON line. Frames without a type are rejected.
func ParseFrame(line []byte) (StreamEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return StreamEvent{}, errEmptyLine
	}
	var ev StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return StreamEvent{}, shared.ProtocolError("malformed frame", err)
	}
	if ev.Type == "" {
		return StreamEvent{}, shared.ProtocolError("frame has no type", nil)
	}
	return ev, nil
}

// Decoder splits an incrementally delivered byte stream into frames. A
// trailing partial line is held until a later Feed completes it.
type Decoder struct {
	buf     []byte
	skipped int
	logger  *slog.Logger
}

// NewDecoder creates a decoder. A nil logger uses slog.Default().
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Feed appends p and returns every event completed by it, in wire order.
// Malformed lines are logged and skipped.
func (d *Decoder) Feed(p []byte) []StreamEvent {
	d.buf = append(d.buf, p...)

	var out []StreamEvent
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if ev, ok := d.parse(d.buf[:i]); ok {
			out = append(out, ev)
		}
		d.buf = d.buf[i+1:]
	}

	// Compact so a long stream does not pin every consumed byte.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf)+4096 {
		d.buf = append([]byte(nil), d.buf...)
	}
	return out
}

// Flush parses whatever remains in the buffer as a final line. Call it
// once the stream has ended.
func (d *Decoder) Flush() []StreamEvent {
	rest := d.buf
	d.buf = nil
	if ev, ok := d.parse(rest); ok {
		return []StreamEvent{ev}
	}
	return nil
}

// Pending returns the number of buffered bytes awaiting a newline.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Skipped returns how many malformed lines were dropped.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) parse(line []byte) (StreamEvent, bool) {
	ev, err := ParseFrame(line)
	if err == nil {
		return ev, true
	}
	if errors.Is(err, errEmptyLine) {
		return StreamEvent{}, false
	}
	d.skipped++
	shown := bytes.TrimSpace(line)
	if len(shown) > maxLoggedLine {
		shown = shown[:maxLoggedLine]
	}
	d.logger.Warn("Failed to parse NDJSON line", "line", string(shown), "error", err)
	return StreamEvent{}, false
}

// Decode reads r until EOF and yields each decoded event. A read error
// other than EOF is yielded once and ends the sequence. Cancellation of
// ctx is only observed between reads, so r should be closed on cancel
// (HTTP response bodies are).
func Decode(ctx context.Context, r io.Reader, logger *slog.Logger) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		d := NewDecoder(logger)
		buf := make([]byte, 32*1024)
		for {
			if err := ctx.Err(); err != nil {
				yield(StreamEvent{}, err)
				return
			}
			n, err := r.Read(buf)
			if n > 0 {
				for _, ev := range d.Feed(buf[:n]) {
					if !yield(ev, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				for _, ev := range d.Flush() {
					if !yield(ev, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				yield(StreamEvent{}, err)
				return
			}
		}
	}
}
