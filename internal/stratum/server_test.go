package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/ghostpool/pkg/log"
)

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if err := c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		c.t.Fatal(err)
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *testClient) read() map[string]any {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		c.t.Fatal(err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		c.t.Fatalf("invalid message %q: %v", line, err)
	}
	return msg
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		c.t.Fatal(err)
	}
	line, err := c.reader.ReadBytes('\n')
	if !errors.Is(err, io.EOF) {
		c.t.Fatalf("expected connection close, got %q, %v", line, err)
	}
}

func newTestServer(jobs *fakeJobs) (*Server, *Stratum) {
	st := New(jobs, fakeValidator{}, testTarget, nil, log.Nop())
	srv := NewServer(ServerConfig{
		Session: SessionConfig{
			Difficulty:     decimal.NewFromInt(1),
			MaxMessageSize: DefaultMaxMessageSize,
		},
	}, st, log.Nop())
	return srv, st
}

// connect serves one end of a pipe and returns the miner end
func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	client, server := net.Pipe()

	srv.wg.Add(1)
	go srv.handleConnection(ctx, server)

	t.Cleanup(func() {
		cancel()
		_ = client.Close()
	})
	return &testClient{t: t, conn: client, reader: bufio.NewReader(client)}
}

func errorCode(t *testing.T, msg map[string]any) float64 {
	t.Helper()
	e, ok := msg["error"].([]any)
	if !ok || len(e) != 3 {
		t.Fatalf("error field = %v", msg["error"])
	}
	if msg["result"] != false {
		t.Errorf("result = %v, want false", msg["result"])
	}
	return e[0].(float64)
}

func TestServer_Subscribe(t *testing.T) {
	srv, _ := newTestServer(newFakeJobs())
	c := connect(t, srv)

	c.send(`{"id":1,"method":"mining.subscribe","params":["miner/1.0","EthereumStratum/1.0.0"]}`)
	msg := c.read()
	result, ok := msg["result"].([]any)
	if !ok || len(result) != 2 || result[0] != true || result[1] != ProtocolVersion {
		t.Errorf("subscribe result = %v", msg["result"])
	}
	if msg["error"] != nil || msg["id"] != 1.0 {
		t.Errorf("subscribe response = %v", msg)
	}

	c.send(`{"id":2,"method":"mining.subscribe","params":[]}`)
	msg = c.read()
	if code := errorCode(t, msg); code != ErrorOther {
		t.Errorf("repeat subscribe code = %v", code)
	}
	c.expectClosed()
}

func TestServer_AuthorizeAndSubmit(t *testing.T) {
	srv, st := newTestServer(newFakeJobs())
	c := connect(t, srv)

	c.send(`{"id":1,"method":"mining.subscribe","params":[]}`)
	c.read()

	c.send(`{"id":2,"method":"mining.authorize","params":["addrA.rig1","x"]}`)
	if msg := c.read(); msg["method"] != MethodSetExtranonce {
		t.Errorf("first message = %v, want set_extranonce", msg)
	}
	if msg := c.read(); msg["method"] != MethodSetDifficulty {
		t.Errorf("second message = %v, want set_difficulty", msg)
	}
	if msg := c.read(); msg["result"] != true || msg["id"] != 2.0 {
		t.Errorf("authorize response = %v", msg)
	}

	c.send(`{"id":3,"method":"mining.submit","params":["addrA.rig1","job1","64"]}`)
	if msg := c.read(); msg["result"] != true {
		t.Errorf("submit response = %v", msg)
	}

	c.send(`{"id":4,"method":"mining.submit","params":["addrA.rig1","job1","64"]}`)
	if code := errorCode(t, c.read()); code != ErrorDuplicateShare {
		t.Errorf("duplicate code = %v", code)
	}

	c.send(`{"id":5,"method":"mining.submit","params":["addrA.rig1","missing","65"]}`)
	if code := errorCode(t, c.read()); code != ErrorJobNotFound {
		t.Errorf("missing job code = %v", code)
	}

	c.send(`{"id":6,"method":"mining.submit","params":["addrB.rig1","job1","66"]}`)
	if code := errorCode(t, c.read()); code != ErrorUnauthorized {
		t.Errorf("unauthorized code = %v", code)
	}

	if st.Stats().Contributions != 1 {
		t.Errorf("Contributions = %d, want 1", st.Stats().Contributions)
	}
}

func TestServer_SubmitBeforeSubscribe(t *testing.T) {
	srv, _ := newTestServer(newFakeJobs())
	c := connect(t, srv)

	c.send(`{"id":1,"method":"mining.submit","params":["addrA","job1","10"]}`)
	if code := errorCode(t, c.read()); code != ErrorNotSubscribed {
		t.Errorf("code = %v, want %d", code, ErrorNotSubscribed)
	}

	// the connection stays usable
	c.send(`{"id":2,"method":"mining.subscribe","params":[]}`)
	if msg := c.read(); msg["error"] != nil {
		t.Errorf("subscribe after rejection = %v", msg)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	srv, _ := newTestServer(newFakeJobs())
	c := connect(t, srv)

	c.send(`{"id":1,"method":"mining.hashrate","params":[]}`)
	msg := c.read()
	e := msg["error"].([]any)
	if e[0] != float64(ErrorOther) || e[1] != "unknown-method" || e[2] != nil {
		t.Errorf("error = %v", e)
	}

	c.send(`{"id":2,"method":"mining.subscribe","params":[]}`)
	if msg := c.read(); msg["error"] != nil {
		t.Errorf("connection should stay open, got %v", msg)
	}
}

func TestServer_ClosesConnection(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantReply bool
	}{
		{name: "invalid json", line: `{not json`},
		{name: "missing id", line: `{"method":"mining.subscribe","params":[]}`},
		{name: "missing params", line: `{"id":1,"method":"mining.subscribe"}`},
		{name: "authorize without params", line: `{"id":1,"method":"mining.authorize","params":[]}`},
		{name: "submit with numeric nonce", line: `{"id":1,"method":"mining.submit","params":["a","job1",5]}`},
		{name: "invalid address", line: `{"id":1,"method":"mining.authorize","params":["bad.rig"]}`, wantReply: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(newFakeJobs())
			c := connect(t, srv)

			c.send(tt.line)
			if tt.wantReply {
				if code := errorCode(t, c.read()); code != ErrorOther {
					t.Errorf("code = %v, want %d", code, ErrorOther)
				}
			}
			c.expectClosed()
		})
	}
}

func TestServer_InvalidNonceCloses(t *testing.T) {
	srv, _ := newTestServer(newFakeJobs())
	c := connect(t, srv)

	c.send(`{"id":1,"method":"mining.subscribe","params":[]}`)
	c.read()
	c.send(`{"id":2,"method":"mining.authorize","params":["addrA"]}`)
	c.read()
	c.read()
	c.read()

	c.send(`{"id":3,"method":"mining.submit","params":["addrA","job1","xyz"]}`)
	msg := c.read()
	if code := errorCode(t, msg); code != ErrorOther {
		t.Errorf("code = %v", code)
	}
	c.expectClosed()
}

func TestServer_OversizedMessage(t *testing.T) {
	srv, _ := newTestServer(newFakeJobs())
	c := connect(t, srv)

	if err := c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.conn.Write([]byte(strings.Repeat("a", DefaultMaxMessageSize+1))); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	c.expectClosed()
}

func TestServer_RemovesSessionOnDisconnect(t *testing.T) {
	srv, st := newTestServer(newFakeJobs())
	c := connect(t, srv)

	c.send(`{"id":1,"method":"mining.subscribe","params":[]}`)
	c.read()
	if srv.SessionCount() != 1 {
		t.Fatalf("SessionCount() = %d, want 1", srv.SessionCount())
	}

	_ = c.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.SessionCount() == 0 && st.Stats().Subscribers == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("session not removed: count = %d, subscribers = %d", srv.SessionCount(), st.Stats().Subscribers)
}

func TestServer_Admit(t *testing.T) {
	st := New(newFakeJobs(), fakeValidator{}, testTarget, nil, log.Nop())
	srv := NewServer(ServerConfig{ConnectRate: 0.001, ConnectBurst: 1}, st, log.Nop())

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if !srv.admit(server) {
		t.Error("first connection should be admitted")
	}
	if srv.admit(server) {
		t.Error("second connection should exceed the rate")
	}

	limited := NewServer(ServerConfig{MaxConnections: 1}, st, log.Nop())
	limited.sessions["existing"] = nil
	if limited.admit(server) {
		t.Error("connection over the limit should be refused")
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv, _ := newTestServer(newFakeJobs())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	c := &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}

	c.send(`{"id":1,"method":"mining.subscribe","params":[]}`)
	if msg := c.read(); msg["error"] != nil {
		t.Fatalf("subscribe response = %v", msg)
	}
	if srv.Addr() == nil {
		t.Error("Addr() should be set while serving")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	select {
	case err := <-served:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return")
	}
}
