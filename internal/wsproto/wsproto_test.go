package wsproto

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blankUpgradeRequest(withPMCE bool) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Version", "13")
	if withPMCE {
		r.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate; client_max_window_bits")
	}
	return r
}

func TestFrameRoundTripServerReceivesMasked(t *testing.T) {
	original := &Frame{Fin: true, Opcode: OpText, Payload: []byte("hello poseidon")}

	var wire bytes.Buffer
	require.NoError(t, WriteFrame(&wire, original, true)) // client -> server, masked

	got, err := ReadFrame(&wire, true, 0)
	require.NoError(t, err)
	assert.Equal(t, original.Fin, got.Fin)
	assert.Equal(t, original.Opcode, got.Opcode)
	assert.Equal(t, original.Payload, got.Payload)
}

func TestFrameRoundTripClientReceivesUnmasked(t *testing.T) {
	original := &Frame{Fin: true, Opcode: OpBinary, Payload: []byte{1, 2, 3, 4, 5}}

	var wire bytes.Buffer
	require.NoError(t, WriteFrame(&wire, original, false)) // server -> client, unmasked

	got, err := ReadFrame(&wire, false, 0)
	require.NoError(t, err)
	assert.Equal(t, original.Payload, got.Payload)
}

func TestReadFrameRejectsWrongMaskingDirection(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, WriteFrame(&wire, &Frame{Fin: true, Opcode: OpText, Payload: []byte("x")}, false))

	_, err := ReadFrame(&wire, true, 0) // server expects masked, got unmasked
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, CloseProtocolError, protoErr.Status)
}

func TestReadFrameEnforcesControlFramePayloadLimit(t *testing.T) {
	big := make([]byte, 126)
	var wire bytes.Buffer
	require.NoError(t, WriteFrame(&wire, &Frame{Fin: true, Opcode: OpPing, Payload: big[:125]}, true))

	_, err := ReadFrame(&wire, true, 0)
	require.NoError(t, err)

	wire.Reset()
	header := []byte{0x80 | byte(OpPing), 0x80 | 126, 0x00, 126}
	wire.Write(header)
	wire.Write(make([]byte, 4)) // mask key
	wire.Write(big)
	_, err = ReadFrame(&wire, true, 0)
	require.Error(t, err)
}

func TestPMCERoundTrip(t *testing.T) {
	params := PMCEParams{Active: true, ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}

	sender, err := NewDeflateContext(params, false)
	require.NoError(t, err)
	receiver, err := NewDeflateContext(params, true)
	require.NoError(t, err)

	msg := []byte("the quick brown fox jumps over the lazy dog, repeatedly, to build up a dictionary")
	compressed, ok := sender.Deflate(msg)
	require.True(t, ok)

	decompressed, err := receiver.Inflate(compressed)
	require.NoError(t, err)
	assert.Equal(t, msg, decompressed)
}

// TestPMCEContextTakeoverCarriesWindowAcrossMessages sends several
// messages with context takeover active (the default — neither side
// negotiated no_context_takeover) where later messages only compress
// well if the sliding window from earlier messages is available to the
// decompressor, per RFC 7692 §7.2.2 and spec.md §8's PMCE example.
func TestPMCEContextTakeoverCarriesWindowAcrossMessages(t *testing.T) {
	params := PMCEParams{Active: true, ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}

	sender, err := NewDeflateContext(params, false)
	require.NoError(t, err)
	receiver, err := NewDeflateContext(params, true)
	require.NoError(t, err)

	first := []byte("the quick brown fox jumps over the lazy dog, the quick brown fox jumps over the lazy dog")
	// second only back-references bytes introduced in first; it decodes
	// correctly only if the receiver's window survived from first.
	second := []byte("the quick brown fox jumps over the lazy dog")
	third := []byte("jumps over the lazy dog, the quick brown fox")

	for _, msg := range [][]byte{first, second, third} {
		compressed, ok := sender.Deflate(msg)
		require.True(t, ok)
		decompressed, err := receiver.Inflate(compressed)
		require.NoError(t, err)
		assert.Equal(t, msg, decompressed)
	}
}

func TestPMCENoContextTakeoverResetsEachMessage(t *testing.T) {
	params := PMCEParams{Active: true, ClientNoContextTakeover: true, ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}

	sender, err := NewDeflateContext(params, false)
	require.NoError(t, err)
	receiver, err := NewDeflateContext(params, true)
	require.NoError(t, err)

	for _, msg := range [][]byte{[]byte("first message"), []byte("second message"), []byte("third message")} {
		compressed, ok := sender.Deflate(msg)
		require.True(t, ok)
		decompressed, err := receiver.Inflate(compressed)
		require.NoError(t, err)
		assert.Equal(t, msg, decompressed)
	}
}

func TestValidateWindowBitsRange(t *testing.T) {
	assert.NoError(t, ValidateWindowBits(9))
	assert.NoError(t, ValidateWindowBits(15))
	assert.Error(t, ValidateWindowBits(8))
	assert.Error(t, ValidateWindowBits(16))
}

// TestFragmentedMessageWithInterleavedPing reproduces spec.md §8 scenario
// 3: three fragments of a compressed text message with an interleaved
// PING must deliver exactly one message_finish(ping, ...) and one
// message_finish(text, ...), the ping first: a control frame is delivered
// as soon as it arrives, before the fragmented message completes (the
// canonical RFC 6455 ordering).
func TestFragmentedMessageWithInterleavedPing(t *testing.T) {
	full := []byte("fragmented text data")

	params := PMCEParams{Active: true, ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
	sendCtx, err := NewDeflateContext(params, false)
	require.NoError(t, err)
	recvCtx, err := NewDeflateContext(params, true)
	require.NoError(t, err)

	compressed, ok := sendCtx.Deflate(full)
	require.True(t, ok)
	require.True(t, len(compressed) >= 3, "need at least 3 bytes to split into three fragments")
	third := len(compressed) / 3
	part1, part2, part3 := compressed[:third], compressed[third:2*third], compressed[2*third:]

	var events []string
	var gotText []byte
	var gotPing []byte

	asm := NewAssembler(true, 0, recvCtx, Callbacks{
		OnMessage: func(opcode Opcode, payload []byte) {
			events = append(events, "message")
			if opcode == OpText {
				gotText = payload
			}
		},
		OnPing: func(payload []byte) {
			events = append(events, "ping")
			gotPing = payload
		},
	})

	require.NoError(t, asm.Feed(&Frame{Fin: false, RSV1: true, Opcode: OpText, Payload: part1}))
	require.NoError(t, asm.Feed(&Frame{Fin: false, Opcode: OpContinuation, Payload: part2}))
	require.NoError(t, asm.Feed(&Frame{Fin: true, Opcode: OpPing, Payload: []byte("ping-payload")}))
	require.NoError(t, asm.Feed(&Frame{Fin: true, Opcode: OpContinuation, Payload: part3}))

	require.Equal(t, []string{"ping", "message"}, events)
	assert.Equal(t, []byte("ping-payload"), gotPing)
	assert.Equal(t, full, gotText)
}

func TestContinuationWithoutMessageInProgressIsProtocolError(t *testing.T) {
	asm := NewAssembler(true, 0, nil, Callbacks{})
	err := asm.Feed(&Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("x")})
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, CloseProtocolError, protoErr.Status)
}

func TestNewDataFrameWhileInProgressIsProtocolError(t *testing.T) {
	asm := NewAssembler(true, 0, nil, Callbacks{})
	require.NoError(t, asm.Feed(&Frame{Fin: false, Opcode: OpText, Payload: []byte("a")}))
	err := asm.Feed(&Frame{Fin: true, Opcode: OpBinary, Payload: []byte("b")})
	require.Error(t, err)
}

func TestComputeAcceptMatchesRFC6455Example(t *testing.T) {
	// Example key/accept pair from RFC 6455 §1.3.
	got := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestServerAcceptRejectsMissingUpgradeHeader(t *testing.T) {
	r := blankUpgradeRequest(false)
	r.Header.Del("Connection")
	_, _, err := ServerAccept(r)
	require.Error(t, err)
}

func TestServerAcceptNegotiatesPMCE(t *testing.T) {
	respHeader, params, err := ServerAccept(blankUpgradeRequest(true))
	require.NoError(t, err)
	assert.True(t, params.Active)
	assert.NotEmpty(t, respHeader.Get("Sec-WebSocket-Extensions"))
	assert.Equal(t, ComputeAccept("dGhlIHNhbXBsZSBub25jZQ=="), respHeader.Get("Sec-WebSocket-Accept"))
}
