// Command poseidond boots the Poseidon application host: the four
// schedulers of spec.md §4 (fiber, timer, task pool, network reactor),
// the session table of spec.md §4.5, and the three demo protocol
// handlers exercising spec.md §8's end-to-end scenarios (TCP echo, HTTP
// GET /ping, WebSocket echo with permessage-deflate).
//
// Bootstrap sequencing (env load, config, logging install, signal
// handling, PID file) follows the teacher's cmd/socket-gateway and
// cmd/api main() idiom: slog.Info progress lines, os/signal.Notify for
// graceful shutdown, os.Getenv-backed fallbacks layered under the
// structured config.Manager.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lhmouse/poseidon-go/internal/appointment"
	"github.com/lhmouse/poseidon-go/internal/config"
	"github.com/lhmouse/poseidon-go/internal/fiber"
	"github.com/lhmouse/poseidon-go/internal/httpdate"
	"github.com/lhmouse/poseidon-go/internal/httpserver"
	"github.com/lhmouse/poseidon-go/internal/logging"
	"github.com/lhmouse/poseidon-go/internal/metrics"
	"github.com/lhmouse/poseidon-go/internal/reactor"
	"github.com/lhmouse/poseidon-go/internal/session"
	"github.com/lhmouse/poseidon-go/internal/taskpool"
	"github.com/lhmouse/poseidon-go/internal/timer"
	"github.com/lhmouse/poseidon-go/internal/wsproto"
)

func main() {
	configPath := flag.String("config", "poseidon.yaml", "path to the YAML configuration file")
	tcpAddr := flag.String("tcp-echo", "[::1]:0", "address for the demo TCP echo listener")
	httpAddr := flag.String("http", "[::1]:0", "address for the demo HTTP/WebSocket listener")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	logHandler := logging.NewHandler(logging.Config{Level: slog.LevelInfo, Format: "text"})
	logHandler.Install()
	defer logHandler.Close()

	slog.Info("poseidond starting")

	mgr, err := config.NewManager(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := mgr.Snapshot()

	pidFile, err := appointment.AcquirePIDFile(cfg.Process.PIDFile)
	if err != nil {
		slog.Error("failed to acquire pid file", "error", err)
		os.Exit(1)
	}
	defer pidFile.Release()

	reg := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fiberSched := fiber.New(
		time.Duration(cfg.Fiber.WarnTimeout)*time.Second,
		time.Duration(cfg.Fiber.FailTimeout)*time.Second,
		cfg.Fiber.StackVMSize,
		reg.Fiber(),
	)
	timerSched := timer.New(reg.Timer())
	pool := taskpool.New(cfg.TaskPool.Workers, reg.TaskPool())

	react, err := reactor.New(cfg.Network.EventBufferSize, cfg.Network.ThrottleSize, cfg.Network.AcceptRatePerSec, reg)
	if err != nil {
		slog.Error("failed to create network reactor", "error", err)
		os.Exit(1)
	}

	table := session.NewTable()

	go fiberSched.Run(ctx)
	go timerSched.Run(ctx)
	go pool.Run(ctx)
	go func() {
		if err := react.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("reactor stopped", "error", err)
		}
	}()

	launch := func(sched *fiber.Scheduler) func(drain func()) {
		return func(drain func()) {
			sched.Launch(func(c *fiber.Context) { drain() })
		}
	}

	var nextSessionID atomic.Uint64

	tcpListener, err := reactor.Listen(react, *tcpAddr)
	if err != nil {
		slog.Error("failed to start tcp echo listener", "error", err)
		os.Exit(1)
	}
	slog.Info("tcp echo listening", "address", tcpListener.Addr().String())
	go serveTCPEcho(ctx, tcpListener, table, fiberSched, launch, &nextSessionID)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", reg.Handler())
	if cfg.Metrics.ListenAddress != "" {
		go func() {
			slog.Info("metrics listening", "address", cfg.Metrics.ListenAddress)
			if err := http.ListenAndServe(cfg.Metrics.ListenAddress, metricsMux); err != nil {
				slog.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	httpListener, err := reactor.Listen(react, *httpAddr)
	if err != nil {
		slog.Error("failed to start http listener", "error", err)
		os.Exit(1)
	}
	slog.Info("http/websocket listening", "address", httpListener.Addr().String())
	go serveHTTP(ctx, httpListener, cfg.Network.HTTP.MaxWebSocketMessageLength, table, fiberSched, launch, &nextSessionID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGALRM)
	s := <-sig
	slog.Info("received signal, shutting down", "signal", s.String())

	cancel()
	fiberSched.Shutdown()
	slog.Info("poseidond stopped")
}

// tcpSession adapts a net.Conn to session.Session for the TCP echo demo
// (spec.md §8 scenario 1).
type tcpSession struct {
	id   session.ID
	conn net.Conn
}

func (s *tcpSession) ID() session.ID { return s.id }
func (s *tcpSession) Close() error   { return s.conn.Close() }

// serveTCPEcho implements spec.md §8 scenario 1: the server callback
// receives open, data("..."), close in that order, and echoes each
// data event back to the client.
func serveTCPEcho(ctx context.Context, ln *reactor.Listener, table *session.Table, sched *fiber.Scheduler, launch func(*fiber.Scheduler) func(func()), nextID *atomic.Uint64) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("tcp echo accept failed", "error", err)
			continue
		}

		sess := &tcpSession{id: session.ID(nextID.Add(1)), conn: conn}
		queue := session.NewQueue(sess, tcpEchoHandler, table, launch(sched))
		table.Register(queue)
		queue.Enqueue(session.Event{Kind: session.EventOpen})

		go readTCPLoop(conn, queue)
	}
}

func readTCPLoop(conn net.Conn, queue *session.Queue) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			queue.Enqueue(session.Event{Kind: session.EventData, Payload: chunk})
		}
		if err != nil {
			queue.Enqueue(session.Event{Kind: session.EventClose, Err: err})
			return
		}
	}
}

func tcpEchoHandler(s session.Session, ev session.Event) {
	ts := s.(*tcpSession)
	switch ev.Kind {
	case session.EventOpen:
		slog.Debug("tcp session opened", "session_id", ts.ID())
	case session.EventData:
		if _, err := ts.conn.Write(ev.Payload); err != nil {
			slog.Debug("tcp echo write failed", "session_id", ts.ID(), "error", err)
		}
	case session.EventClose, session.EventError:
		slog.Debug("tcp session closed", "session_id", ts.ID())
	}
}

// wsSession adapts a WebSocket connection to session.Session for the
// demo WebSocket echo server (spec.md §8 scenario 3).
type wsSession struct {
	id     session.ID
	conn   net.Conn
	pmce   *wsproto.DeflateContext
	params wsproto.PMCEParams
}

func (s *wsSession) ID() session.ID { return s.id }
func (s *wsSession) Close() error   { return s.conn.Close() }

// serveHTTP runs the shared HTTP/1.1 + WebSocket listener of spec.md §8
// scenarios 2 and 3: GET /ping returns a fixed body over plain HTTP; any
// WebSocket upgrade gets an echo session with PMCE negotiated per
// spec.md §4.7.
func serveHTTP(ctx context.Context, ln *reactor.Listener, maxWSLen int64, table *session.Table, sched *fiber.Scheduler, launch func(*fiber.Scheduler) func(func()), nextID *atomic.Uint64) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("http accept failed", "error", err)
			continue
		}

		go httpserver.Serve(ctx, conn, httpserver.Callbacks{
			MaxWebSocketMessageLength: maxWSLen,
			OnRequest:                 handlePing,
			OnWebSocketUpgrade: func(conn net.Conn, asm *wsproto.Assembler, params wsproto.PMCEParams) {
				runWebSocketEcho(conn, asm, params, table, sched, launch, nextID)
			},
		})
	}
}

func handlePing(r *http.Request) *http.Response {
	if r.URL.Path != "/ping" {
		return nil
	}
	body := []byte("pong")
	return &http.Response{
		StatusCode: http.StatusOK,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   []string{"text/plain"},
			"Content-Length": []string{fmt.Sprintf("%d", len(body))},
			"Date":           []string{httpdate.Now()},
			"Connection":     []string{"close"},
		},
		Body:          readCloser(body),
		ContentLength: int64(len(body)),
	}
}

func runWebSocketEcho(conn net.Conn, asm *wsproto.Assembler, params wsproto.PMCEParams, table *session.Table, sched *fiber.Scheduler, launch func(*fiber.Scheduler) func(func()), nextID *atomic.Uint64) {
	var sendCtx *wsproto.DeflateContext
	if params.Active {
		var err error
		sendCtx, err = wsproto.NewDeflateContext(params, true)
		if err != nil {
			slog.Warn("failed to init websocket send compression, continuing uncompressed", "error", err)
			params.Active = false
		}
	}

	sess := &wsSession{id: session.ID(nextID.Add(1)), conn: conn, pmce: sendCtx, params: params}
	queue := session.NewQueue(sess, wsEchoHandler, table, launch(sched))
	table.Register(queue)
	queue.Enqueue(session.Event{Kind: session.EventOpen})

	asm.SetCallbacks(wsproto.Callbacks{
		OnMessage: func(opcode wsproto.Opcode, payload []byte) {
			queue.Enqueue(session.Event{Kind: session.EventData, Payload: encodeWSMessage(opcode, payload)})
		},
		OnPing: func(payload []byte) {
			frame := wsproto.Frame{Fin: true, Opcode: wsproto.OpPong, Payload: payload}
			_ = wsproto.WriteFrame(conn, &frame, false)
		},
		OnClose: func(status wsproto.CloseStatus, reason string) {
			queue.Enqueue(session.Event{Kind: session.EventClose})
		},
	})

	if err := asm.ReadLoop(conn); err != nil {
		queue.Enqueue(session.Event{Kind: session.EventClose, Err: err})
	}
}

// encodeWSMessage packs an opcode+payload pair into the session Event's
// byte payload using a one-byte opcode prefix, since session.Event has
// no dedicated field for it.
func encodeWSMessage(opcode wsproto.Opcode, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(opcode)
	copy(out[1:], payload)
	return out
}

func wsEchoHandler(s session.Session, ev session.Event) {
	ws := s.(*wsSession)
	switch ev.Kind {
	case session.EventOpen:
		slog.Debug("websocket session opened", "session_id", ws.ID())
	case session.EventData:
		if len(ev.Payload) == 0 {
			return
		}
		opcode := wsproto.Opcode(ev.Payload[0])
		payload := ev.Payload[1:]
		frames := wsproto.BuildMessageFrames(opcode, payload, ws.pmce, ws.params)
		for _, f := range frames {
			if err := wsproto.WriteFrame(ws.conn, f, false); err != nil {
				slog.Debug("websocket echo write failed", "session_id", ws.ID(), "error", err)
				return
			}
		}
	case session.EventClose, session.EventError:
		slog.Debug("websocket session closed", "session_id", ws.ID())
	}
}

type readCloserBytes struct {
	data []byte
	pos  int
}

func readCloser(data []byte) *readCloserBytes {
	return &readCloserBytes{data: data}
}

func (r *readCloserBytes) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *readCloserBytes) Close() error { return nil }
