package protocol

import (
	"encoding/json"
	"io"
	"sync"
)

// Encoder writes newline-delimited JSON messages. Safe for concurrent
// use; the control channel is a single ordered pipe, so each message is
// written atomically under a lock.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// WriteCommand writes one command message.
func (e *Encoder) WriteCommand(cmd *Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(cmd)
}

// WriteEvent writes one event message.
func (e *Encoder) WriteEvent(ev *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(ev)
}

// Decoder reads newline-delimited JSON messages.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// ReadCommand reads the next command. Returns io.EOF when the pipe
// closes cleanly.
func (d *Decoder) ReadCommand() (*Command, error) {
	var cmd Command
	if err := d.dec.Decode(&cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ReadEvent reads the next event. Returns io.EOF when the pipe closes
// cleanly.
func (d *Decoder) ReadEvent() (*Event, error) {
	var ev Event
	if err := d.dec.Decode(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
