package session

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/mstiles/tunnelpanel/internal/model"
)

// fakeServer accepts one TCP connection, reads the auth line, and serves
// the yamux side of the session so Ping works end to end.
type fakeServer struct {
	ln   net.Listener
	key  chan string
	sess chan *yamux.Session
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeServer{ln: ln, key: make(chan string, 1), sess: make(chan *yamux.Session, 1)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			conn.Close()
			return
		}
		s.key <- line[:len(line)-1]
		srv, err := yamux.Server(conn, yamux.DefaultConfig())
		if err != nil {
			conn.Close()
			return
		}
		s.sess <- srv
	}()
	return s
}

func TestDialHandshakeAndPing(t *testing.T) {
	srv := newFakeServer(t)

	d := NewDialer()
	spec := model.ClientSpec{Name: "work", Addr: srv.ln.Addr().String(), Key: "topsecret"}
	sess, err := d.Dial(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	select {
	case got := <-srv.key:
		if got != "topsecret" {
			t.Fatalf("server saw key %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the auth line")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Ping(ctx); err != nil {
		t.Fatalf("ping over live session: %v", err)
	}
}

// TestDoneFiresWhenServerCloses verifies the liveness signal the runner
// watches: the server tearing down its side closes the client's Done
// channel.
func TestDoneFiresWhenServerCloses(t *testing.T) {
	srv := newFakeServer(t)

	d := NewDialer()
	spec := model.ClientSpec{Name: "work", Addr: srv.ln.Addr().String(), Key: "k"}
	sess, err := d.Dial(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	var remote *yamux.Session
	select {
	case remote = <-srv.sess:
	case <-time.After(2 * time.Second):
		t.Fatal("server session never established")
	}
	remote.Close()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never fired after the server closed")
	}
}

func TestDialRefused(t *testing.T) {
	// Grab a port that is guaranteed closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := &NetDialer{Timeout: time.Second}
	if _, err := d.Dial(context.Background(), model.ClientSpec{Name: "x", Addr: addr, Key: "k"}); err == nil {
		t.Fatal("expected a dial error against a closed port")
	}
}

func TestDialHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDialer()
	if _, err := d.Dial(ctx, model.ClientSpec{Name: "x", Addr: "10.255.255.1:81", Key: "k"}); err == nil {
		t.Fatal("expected an error with a cancelled context")
	}
}
