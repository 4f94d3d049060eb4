// Package httpserver implements the minimal HTTP/1.1 session contract of
// spec.md §4.6 ("HTTP Message Processing, as consumed by WebSocket") atop
// the epoll reactor. HTTP grammar parsing itself is explicitly out of
// scope per spec.md §1's Non-goals list ("HTTP/1.1 header-field grammar
// parsing"), so this package delegates request-line/header parsing to
// the standard library's net/http + bufio (http.ReadRequest), and adds
// only the WebSocket upgrade path and a single per-request callback
// (OnRequest). There are no separate headers-complete, body-chunk or
// request-finished notifications.
package httpserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/lhmouse/poseidon-go/internal/wsproto"
)

// Callbacks is the session's external-collaborator contract: one
// OnRequest call per parsed request, plus an optional upgrade path. Body
// chunks and request completion are not reported separately.
type Callbacks struct {
	// OnRequest fires once headers (and, for a non-streaming body, the
	// full body) are available. Returning a *http.Response writes it
	// verbatim; returning nil answers 404. WebSocket upgrade requests are
	// detected before OnRequest and never reach it.
	OnRequest func(r *http.Request) *http.Response

	// OnWebSocketUpgrade, if set, is invoked after a successful RFC 6455
	// handshake (spec.md §4.7) on an upgraded connection. The assembler
	// is pre-wired with any negotiated PMCE context.
	OnWebSocketUpgrade func(conn net.Conn, asm *wsproto.Assembler, params wsproto.PMCEParams)

	MaxWebSocketMessageLength int64
	AllowedOrigins            []string
}

// Serve runs the HTTP/1.1 session loop for one accepted connection: it
// parses one request, and either answers it, upgrades it to WebSocket
// (handing off to a dedicated read loop), or closes on error — matching
// spec.md §8 scenario 2's plain HTTP request/response flow and scenario
// 3's fragmented-WebSocket flow sharing one listener port.
func Serve(ctx context.Context, conn net.Conn, cb Callbacks) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			slog.Debug("httpserver: failed to parse request", "error", err)
		}
		return
	}

	if isWebSocketUpgrade(req) {
		serveWebSocketUpgrade(ctx, conn, req, cb)
		return
	}

	if cb.OnRequest == nil {
		writeSimpleResponse(conn, http.StatusNotImplemented, "no request handler configured")
		return
	}
	resp := cb.OnRequest(req)
	if resp == nil {
		writeSimpleResponse(conn, http.StatusNotFound, "not found")
		return
	}
	resp.Request = req
	if err := resp.Write(conn); err != nil {
		slog.Debug("httpserver: failed to write response", "error", err)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return headerTokenMatch(r.Header.Get("Connection"), "upgrade") &&
		headerTokenMatch(r.Header.Get("Upgrade"), "websocket")
}

func headerTokenMatch(header, token string) bool {
	for _, c := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(c), token) {
			return true
		}
	}
	return false
}

func writeSimpleResponse(w io.Writer, status int, body string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}
