package reactor

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPEchoOverReactor(t *testing.T) {
	r, err := New(64, 1<<16, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	ln, err := Listen(r, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		_, _ = conn.Write(buf[:n])
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	reply := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply[:n]))

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestListenerAcceptMultipleConnections(t *testing.T) {
	r, err := New(64, 1<<16, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	ln, err := Listen(r, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	const numClients = 3
	accepted := make(chan net.Conn, numClients)
	go func() {
		for i := 0; i < numClients; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	var clients []net.Conn
	for i := 0; i < numClients; i++ {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	for i := 0; i < numClients; i++ {
		select {
		case c := <-accepted:
			c.Close()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for accepted connection")
		}
	}
}

func TestFdConnReadReturnsEOFOnPeerClose(t *testing.T) {
	r, err := New(64, 1<<16, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	ln, err := Listen(r, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConnCh <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	serverConn := <-serverConnCh
	defer serverConn.Close()

	client.Close()

	buf := make([]byte, 16)
	_, err = serverConn.Read(buf)
	assert.True(t, err == io.EOF || err == errClosedByPeer || err != nil)
}
