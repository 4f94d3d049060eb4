package httpserver

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lhmouse/poseidon-go/internal/wsproto"
)

func TestServePlainHTTPRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go Serve(context.Background(), server, Callbacks{
		OnRequest: func(r *http.Request) *http.Response {
			assert.Equal(t, "/ping", r.URL.Path)
			return &http.Response{
				StatusCode: http.StatusOK,
				ProtoMajor: 1,
				ProtoMinor: 1,
				Header:     http.Header{"Content-Type": []string{"text/plain"}},
				Body:       http.NoBody,
			}
		},
	})

	req, err := http.NewRequest(http.MethodGet, "/ping", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(client))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(client), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeWebSocketUpgradeHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	upgraded := make(chan wsproto.PMCEParams, 1)
	go Serve(context.Background(), server, Callbacks{
		OnWebSocketUpgrade: func(conn net.Conn, asm *wsproto.Assembler, params wsproto.PMCEParams) {
			upgraded <- params
		},
	})

	key, err := wsproto.GenerateClientKey()
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "/ws", nil)
	require.NoError(t, err)
	req.Header = wsproto.ClientUpgradeHeaders(key)
	req.Header.Set("Host", "localhost")
	require.NoError(t, req.Write(client))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	params, err := wsproto.ClientVerifyAccept(resp.StatusCode, resp.Header, key)
	require.NoError(t, err)

	select {
	case got := <-upgraded:
		assert.Equal(t, params.Active, got.Active)
	case <-time.After(2 * time.Second):
		t.Fatal("OnWebSocketUpgrade was not invoked")
	}
}

// TestGorillaClientCanParseOurHandshake confirms our 101 response is
// byte-compatible with a real third-party WebSocket client, not just our
// own handshake parser.
func TestGorillaClientCanParseOurHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		Serve(context.Background(), conn, Callbacks{
			OnWebSocketUpgrade: func(conn net.Conn, asm *wsproto.Assembler, params wsproto.PMCEParams) {
				conn.Close()
			},
		})
	}()

	url := "ws://" + ln.Addr().String() + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}
