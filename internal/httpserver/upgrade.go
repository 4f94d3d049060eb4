package httpserver

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/lhmouse/poseidon-go/internal/wsproto"
)

// serveWebSocketUpgrade completes the RFC 6455 server-side handshake
// (spec.md §4.7 "Server-side") and, on success, hands the connection to
// cb.OnWebSocketUpgrade for the lifetime of the WebSocket session.
func serveWebSocketUpgrade(ctx context.Context, conn net.Conn, req *http.Request, cb Callbacks) {
	if cb.OnWebSocketUpgrade == nil {
		writeSimpleResponse(conn, http.StatusNotImplemented, "websocket upgrades not supported")
		return
	}
	if origin := req.Header.Get("Origin"); origin != "" && !wsproto.CheckOrigin(origin, cb.AllowedOrigins) {
		writeSimpleResponse(conn, http.StatusForbidden, "origin not allowed")
		return
	}

	respHeader, params, err := wsproto.ServerAccept(req)
	if err != nil {
		slog.Debug("httpserver: websocket handshake rejected", "error", err)
		writeSimpleResponse(conn, http.StatusBadRequest, "bad websocket handshake")
		return
	}

	bw := bufio.NewWriter(conn)
	bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	for k, vs := range respHeader {
		for _, v := range vs {
			bw.WriteString(k)
			bw.WriteString(": ")
			bw.WriteString(v)
			bw.WriteString("\r\n")
		}
	}
	bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		slog.Debug("httpserver: failed to write upgrade response", "error", err)
		return
	}

	var pmce *wsproto.DeflateContext
	if params.Active {
		pmce, err = wsproto.NewDeflateContext(params, true)
		if err != nil {
			slog.Warn("httpserver: failed to init PMCE context, continuing uncompressed", "error", err)
			params.Active = false
		}
	}

	asm := wsproto.NewAssembler(true, cb.MaxWebSocketMessageLength, pmce, wsproto.Callbacks{})
	cb.OnWebSocketUpgrade(conn, asm, params)
}
