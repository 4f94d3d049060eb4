// Message-level assembly atop the frame parser: tracks a message in
// progress across CONTINUATION frames, handles control frames inline, and
// feeds RSV1 data frames through the negotiated PMCE context. This is the
// "header_done" validation and "payload_done" delivery half of spec.md
// §4.7's parsing state machine; frame.go covers "new"/"header_partial"/
// "payload_partial" at the wire level.
package wsproto

import (
	"bytes"
	"io"
)

// Callbacks are invoked by Assembler.Feed as frames complete. All are
// optional; a nil callback is simply skipped.
type Callbacks struct {
	// OnMessage fires once per complete text/binary message, after the
	// final fragment's FIN, per spec.md §4.7 "message complete".
	OnMessage func(opcode Opcode, payload []byte)
	// OnStreamingData fires for every fragment as it arrives, before the
	// message is complete, per spec.md §4.7 "streaming data".
	OnStreamingData func(opcode Opcode, chunk []byte)
	OnPing          func(payload []byte)
	OnPong          func(payload []byte)
	// OnClose fires when a CLOSE frame is received; the caller is
	// responsible for completing the close handshake.
	OnClose func(status CloseStatus, reason string)
}

// Assembler holds one direction's message-in-progress state for a single
// WebSocket session.
type Assembler struct {
	isServer         bool
	maxMessageLength int64
	pmce             *DeflateContext // nil if PMCE is not active

	inProgress bool
	msgOpcode  Opcode
	msgRSV1    bool
	buf        bytes.Buffer

	callbacks Callbacks
}

// NewAssembler builds a message assembler. pmce may be nil if
// permessage-deflate was not negotiated.
func NewAssembler(isServer bool, maxMessageLength int64, pmce *DeflateContext, cb Callbacks) *Assembler {
	return &Assembler{
		isServer:         isServer,
		maxMessageLength: maxMessageLength,
		pmce:             pmce,
		callbacks:        cb,
	}
}

// SetCallbacks replaces the assembler's callbacks. Useful when the
// caller needs to finish wiring a session (e.g. registering it in a
// session table) before message callbacks can safely fire.
func (a *Assembler) SetCallbacks(cb Callbacks) {
	a.callbacks = cb
}

// ReadLoop repeatedly parses and feeds frames from r until it returns an
// error (including io.EOF) or a ProtocolError is produced by Feed.
func (a *Assembler) ReadLoop(r io.Reader) error {
	for {
		f, err := ReadFrame(r, a.isServer, a.maxMessageLength)
		if err != nil {
			return err
		}
		if err := a.Feed(f); err != nil {
			return err
		}
	}
}

// Feed advances the assembler's state machine by one parsed frame, per
// spec.md §4.7 "header_done" validation and "payload_done" delivery.
func (a *Assembler) Feed(f *Frame) error {
	if f.Opcode.IsControl() {
		return a.feedControl(f)
	}
	return a.feedData(f)
}

func (a *Assembler) feedControl(f *Frame) error {
	if f.RSV1 {
		return protoErr(CloseProtocolError, "control frame must not set RSV1")
	}
	switch f.Opcode {
	case OpClose:
		status := CloseNormal
		reason := ""
		if len(f.Payload) >= 2 {
			status = CloseStatus(uint16(f.Payload[0])<<8 | uint16(f.Payload[1]))
			reason = string(f.Payload[2:])
		}
		if a.callbacks.OnClose != nil {
			a.callbacks.OnClose(status, reason)
		}
	case OpPing:
		if a.callbacks.OnPing != nil {
			a.callbacks.OnPing(f.Payload)
		}
	case OpPong:
		if a.callbacks.OnPong != nil {
			a.callbacks.OnPong(f.Payload)
		}
	}
	return nil
}

// feedData accumulates raw wire bytes across CONTINUATION fragments. A
// PMCE-compressed message is one DEFLATE stream spanning every fragment
// (only the first frame carries RSV1), so inflation happens once, on the
// full concatenated byte stream, when FIN arrives — inflating each
// fragment independently would hand compress/flate a truncated stream.
func (a *Assembler) feedData(f *Frame) error {
	if f.RSV1 && (a.pmce == nil || a.inProgress) {
		return protoErr(CloseProtocolError, "RSV1 set without active PMCE on a new message")
	}

	if f.Opcode == OpContinuation {
		if !a.inProgress {
			return protoErr(CloseProtocolError, "CONTINUATION without a message in progress")
		}
	} else {
		if a.inProgress {
			return protoErr(CloseProtocolError, "new data frame while a message is in progress")
		}
		a.inProgress = true
		a.msgOpcode = f.Opcode
		a.msgRSV1 = f.RSV1
		a.buf.Reset()
	}

	if a.maxMessageLength > 0 && int64(a.buf.Len())+int64(len(f.Payload)) > a.maxMessageLength {
		return protoErr(CloseMessageTooLarge, "message exceeds configured maximum length")
	}
	a.buf.Write(f.Payload)

	if a.callbacks.OnStreamingData != nil {
		a.callbacks.OnStreamingData(a.msgOpcode, f.Payload)
	}

	if f.Fin {
		raw := append([]byte(nil), a.buf.Bytes()...)
		opcode := a.msgOpcode
		rsv1 := a.msgRSV1
		a.inProgress = false
		a.msgRSV1 = false
		a.buf.Reset()

		final := raw
		if rsv1 {
			var err error
			final, err = a.pmce.Inflate(raw)
			if err != nil {
				return protoErr(CloseMessageDataError, "permessage-deflate inflate failed")
			}
		}
		if a.callbacks.OnMessage != nil {
			a.callbacks.OnMessage(opcode, final)
		}
	}

	return nil
}

// BuildCloseFrame constructs the payload for an outgoing CLOSE frame
// carrying status and reason, per RFC 6455 §5.5.1.
func BuildCloseFrame(status CloseStatus, reason string) *Frame {
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(status >> 8)
	payload[1] = byte(status)
	copy(payload[2:], reason)
	return &Frame{Fin: true, Opcode: OpClose, Payload: payload}
}

// BuildMessageFrames splits payload into one or more frames for sending as
// opcode (TEXT or BINARY), applying PMCE compression when active and the
// payload is at or above the negotiated threshold, per spec.md §4.7 "Send
// side". Messages are sent unfragmented; fragmentation is a sender policy
// choice the spec leaves open, and single-frame sends keep the assembler's
// receive-side logic exercised symmetrically by this package's tests.
func BuildMessageFrames(opcode Opcode, payload []byte, pmce *DeflateContext, params PMCEParams) []*Frame {
	if pmce != nil && params.Active && len(payload) >= params.CompressThreshold() {
		if out, ok := pmce.Deflate(payload); ok {
			return []*Frame{{Fin: true, RSV1: true, Opcode: opcode, Payload: out}}
		}
	}
	return []*Frame{{Fin: true, Opcode: opcode, Payload: payload}}
}
