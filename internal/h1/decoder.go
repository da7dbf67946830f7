package h1

import (
	"bytes"

	"github.com/albertbausili/ember/internal/engine"
)

type decodeState int

const (
	stateHead decodeState = iota
	stateFixedBody
	stateChunkedBody
	stateFailed
)

// Decoder is the stateful per-connection decoder: it accumulates raw bytes
// across traffic events and produces engine events in protocol order,
// including pipelined requests sharing one inbound buffer. A head that fails
// to decode is reported as a RequestHead event carrying the decode error;
// malformed body framing mid-stream is reported as an Error event. After
// either failure the decoder stays failed, since the connection is about to
// close.
type Decoder struct {
	parser    *Parser
	buf       bytes.Buffer
	state     decodeState
	remaining int64
}

// NewDecoder creates a decoder for one connection.
func NewDecoder() *Decoder {
	return &Decoder{parser: NewParser()}
}

// Feed appends inbound bytes and returns the events decodable so far.
// Chunk payloads are copied out of the transport buffer, which is only
// valid during the traffic event.
func (d *Decoder) Feed(data []byte) []engine.Event {
	if d.state == stateFailed {
		return nil
	}
	d.buf.Write(data)

	var events []engine.Event
	for {
		switch d.state {
		case stateHead:
			if d.buf.Len() == 0 {
				return events
			}
			head := &engine.RequestHead{}
			d.parser.Reset(d.buf.Bytes())
			consumed, err := d.parser.ParseHead(head)
			if err != nil {
				d.state = stateFailed
				events = append(events, engine.Event{
					Kind: engine.EventRequestHead,
					Head: &engine.RequestHead{DecodeErr: &engine.DecodeError{Cause: err}},
				})
				return events
			}
			if consumed == 0 {
				return events
			}
			d.buf.Next(consumed)

			events = append(events, engine.Event{Kind: engine.EventRequestHead, Head: head})
			switch {
			case head.Chunked:
				d.state = stateChunkedBody
			case head.ContentLength > 0:
				d.state = stateFixedBody
				d.remaining = head.ContentLength
			}

		case stateFixedBody:
			if d.buf.Len() == 0 {
				return events
			}
			n := int64(d.buf.Len())
			if n > d.remaining {
				n = d.remaining
			}
			chunk := make([]byte, n)
			_, _ = d.buf.Read(chunk)
			d.remaining -= n
			last := d.remaining == 0
			events = append(events, engine.Event{Kind: engine.EventBodyChunk, Chunk: chunk, Last: last})
			if last {
				d.state = stateHead
			}

		case stateChunkedBody:
			d.parser.Reset(d.buf.Bytes())
			chunk, consumed, err := d.parser.ParseChunk()
			if err != nil {
				d.state = stateFailed
				events = append(events, engine.Event{
					Kind: engine.EventError,
					Err:  &engine.DecodeError{Cause: err},
				})
				return events
			}
			if consumed == 0 {
				return events
			}
			d.buf.Next(consumed)
			if chunk == nil {
				events = append(events, engine.Event{Kind: engine.EventBodyChunk, Last: true})
				d.state = stateHead
			} else {
				events = append(events, engine.Event{Kind: engine.EventBodyChunk, Chunk: chunk})
			}
		}
	}
}

// Buffered returns the number of undecoded bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}
