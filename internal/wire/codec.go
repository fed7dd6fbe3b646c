package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Encode renders ev as a wire line terminated by a blank line.
func Encode(ev Event) ([]byte, error) {
	data, err := payload(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	line, err := json.Marshal(envelope{Type: ev.Type, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", ev.Type, err)
	}
	out := make([]byte, 0, len(Prefix)+len(line)+2)
	out = append(out, Prefix...)
	out = append(out, line...)
	out = append(out, '\n', '\n')
	return out, nil
}

func payload(ev Event) (string, error) {
	var v any
	switch ev.Type {
	case TypeText, TypeError, TypeModeChanged:
		return ev.Text, nil
	case TypeDone:
		return "", nil
	case TypeToolOutput:
		if ev.Progress == nil {
			return ev.Text, nil
		}
		p := *ev.Progress
		p.Progress = true
		v = p
	case TypeStatus:
		if ev.Status == nil {
			return ev.Text, nil
		}
		if ev.Status.SessionID == "" && !ev.Status.Notification {
			return ev.Status.Text, nil
		}
		v = ev.Status
	case TypeToolUse:
		if ev.ToolUse != nil {
			v = ev.ToolUse
		}
	case TypeToolResult:
		if ev.ToolResult != nil {
			v = ev.ToolResult
		}
	case TypePermissionRequest:
		if ev.Permission != nil {
			v = ev.Permission
		}
	case TypeToolTimeout:
		if ev.ToolTimeout != nil {
			v = ev.ToolTimeout
		}
	case TypeResult:
		if ev.Result != nil {
			v = ev.Result
		}
	default:
		return "", fmt.Errorf("unknown event type %q", ev.Type)
	}
	if v == nil {
		return "", fmt.Errorf("missing payload")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode splits buf into complete lines and decodes each one. It returns the
// decoded events and the trailing bytes that do not yet form a complete line.
// Lines that fail to decode are skipped.
func Decode(buf []byte) ([]Event, []byte) {
	var events []Event
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return events, buf
		}
		if ev, ok := DecodeLine(buf[:i]); ok {
			events = append(events, ev)
		}
		buf = buf[i+1:]
	}
}

// DecodeLine decodes a single line. ok is false for blank lines, comments and
// anything malformed.
func DecodeLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte(Prefix)) {
		return Event{}, false
	}
	var env envelope
	if err := json.Unmarshal(line[len(Prefix):], &env); err != nil {
		return Event{}, false
	}
	return decodePayload(env)
}

func decodePayload(env envelope) (Event, bool) {
	ev := Event{Type: env.Type}
	switch env.Type {
	case TypeText, TypeError, TypeModeChanged:
		ev.Text = env.Data
	case TypeDone:
	case TypeToolOutput:
		var p ToolProgress
		if looksLikeObject(env.Data) && json.Unmarshal([]byte(env.Data), &p) == nil && p.Progress {
			ev.Progress = &p
		} else {
			ev.Text = env.Data
		}
	case TypeStatus:
		var s Status
		if !looksLikeObject(env.Data) || json.Unmarshal([]byte(env.Data), &s) != nil {
			s = Status{Text: env.Data}
		}
		ev.Status = &s
	case TypeToolUse:
		var p ToolUse
		if json.Unmarshal([]byte(env.Data), &p) != nil || p.ID == "" {
			return Event{}, false
		}
		ev.ToolUse = &p
	case TypeToolResult:
		var p ToolResult
		if json.Unmarshal([]byte(env.Data), &p) != nil || p.ToolUseID == "" {
			return Event{}, false
		}
		ev.ToolResult = &p
	case TypePermissionRequest:
		var p PermissionRequest
		if json.Unmarshal([]byte(env.Data), &p) != nil || p.ID == "" {
			return Event{}, false
		}
		ev.Permission = &p
	case TypeToolTimeout:
		var p ToolTimeout
		if !looksLikeObject(env.Data) || json.Unmarshal([]byte(env.Data), &p) != nil || p.ToolName == "" {
			return Event{}, false
		}
		ev.ToolTimeout = &p
	case TypeResult:
		var p Result
		if !looksLikeObject(env.Data) || json.Unmarshal([]byte(env.Data), &p) != nil {
			return Event{}, false
		}
		ev.Result = &p
	default:
		return Event{}, false
	}
	return ev, true
}

func looksLikeObject(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

const readChunk = 32 * 1024

// Decoder reads events from a stream.
type Decoder struct {
	r       io.Reader
	buf     []byte
	pending []Event
	chunk   []byte
	err     error
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, readChunk)}
}

// Next returns the next event. It returns io.EOF once the stream is exhausted,
// or the underlying read error.
func (d *Decoder) Next() (Event, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return Event{}, d.err
		}
		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
			d.pending, d.buf = Decode(d.buf)
			// Decode returns a subslice; compact so the buffer does not grow unbounded.
			d.buf = append(d.buf[:0:0], d.buf...)
		}
		if err != nil {
			if err == io.EOF && len(d.buf) > 0 {
				if ev, ok := DecodeLine(d.buf); ok {
					d.pending = append(d.pending, ev)
				}
				d.buf = nil
			}
			d.err = err
		}
	}
	ev := d.pending[0]
	d.pending = d.pending[1:]
	return ev, nil
}

// Writer writes events to a stream, flushing after each one.
type Writer struct {
	w     io.Writer
	flush func()
}

// NewWriter returns a Writer. flush may be nil.
func NewWriter(w io.Writer, flush func()) *Writer {
	return &Writer{w: w, flush: flush}
}

// Write encodes and writes ev.
func (w *Writer) Write(ev Event) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if w.flush != nil {
		w.flush()
	}
	return nil
}
