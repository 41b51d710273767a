package backendchan

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/xcp-ng/xcp-emu-manager/internal/argdata"
	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "s.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	acceptCh := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptCh <- nil
			return
		}
		acceptCh <- conn.(*net.UnixConn)
	}()

	client, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	server := <-acceptCh
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() { client.Close(); server.Close() })
	return client.(*net.UnixConn), server
}

func newClientPair(t *testing.T) (*Client, *net.UnixConn) {
	t.Helper()
	c, peer := socketPair(t)
	return &Client{conn: c, buf: make([]byte, 0, BufferSize)}, peer
}

func TestSendAwaitsReturn(t *testing.T) {
	c, peer := newClientPair(t)

	go func() {
		buf := make([]byte, 256)
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := peer.Read(buf)
		got := string(buf[:n])
		want := `{"execute":"track_dirty"}`
		if got != want {
			t.Errorf("got %q want %q", got, want)
		}
		peer.Write([]byte(`{"return":{}}`))
	}()

	if err := c.Send("track_dirty", nil, -1); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSendWithArguments(t *testing.T) {
	c, peer := newClientPair(t)

	go func() {
		buf := make([]byte, 256)
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := peer.Read(buf)
		got := string(buf[:n])
		want := `{"execute":"set_args","arguments":{"store_port":"1"}}`
		if got != want {
			t.Errorf("got %q want %q", got, want)
		}
		peer.Write([]byte(`{"return":{}}`))
	}()

	args := argdata.List{}.AppendString("store_port", "1")
	if err := c.Send("set_args", args, -1); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestEventDispatchedDuringSend(t *testing.T) {
	c, peer := newClientPair(t)

	var gotType string
	var gotData json.RawMessage
	c.OnEvent(func(eventType string, data json.RawMessage) error {
		gotType = eventType
		gotData = data
		return nil
	})

	go func() {
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 256)
		peer.Read(buf)
		peer.Write([]byte(`{"event":"MIGRATION","data":{"status":"completed"}}{"return":{}}`))
	}()

	if err := c.Send("migrate_live", nil, -1); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotType != "MIGRATION" {
		t.Fatalf("expected MIGRATION event, got %q", gotType)
	}
	if string(gotData) != `{"status":"completed"}` {
		t.Fatalf("got data %s", gotData)
	}
}

func TestQMPGreetingDispatched(t *testing.T) {
	c, peer := newClientPair(t)

	var got json.RawMessage
	c.OnQMP(func(data json.RawMessage) error {
		got = data
		return nil
	})

	peer.Write([]byte(`{"QMP":{"version":{}}}`))
	if err := c.RecvOnce(time.Second); err != nil {
		t.Fatalf("RecvOnce: %v", err)
	}
	if string(got) != `{"version":{}}` {
		t.Fatalf("got %s", got)
	}
}

func TestErrorFrameIsFatal(t *testing.T) {
	c, peer := newClientPair(t)
	peer.Write([]byte(`{"error":"boom"}`))
	err := c.RecvOnce(time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestUnsolicitedReturnIsEINVAL(t *testing.T) {
	c, peer := newClientPair(t)
	peer.Write([]byte(`{"return":{}}`))
	err := c.RecvOnce(time.Second)
	if err != xcperr.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestPartialObjectAcrossTwoReads(t *testing.T) {
	c, peer := newClientPair(t)
	var gotType string
	c.OnEvent(func(eventType string, data json.RawMessage) error {
		gotType = eventType
		return nil
	})

	peer.Write([]byte(`{"eve`))
	if err := c.RecvOnce(100 * time.Millisecond); err != nil {
		t.Fatalf("unexpected error on partial frame: %v", err)
	}
	if gotType != "" {
		t.Fatal("event dispatched before frame was complete")
	}
	peer.Write([]byte(`nt":"MIGRATION"}`))
	if err := c.RecvOnce(time.Second); err != nil {
		t.Fatalf("RecvOnce: %v", err)
	}
	if gotType != "MIGRATION" {
		t.Fatalf("got %q", gotType)
	}
}

func TestBraceInStringNotMistakenForNesting(t *testing.T) {
	c, peer := newClientPair(t)
	var gotData json.RawMessage
	c.OnEvent(func(eventType string, data json.RawMessage) error {
		gotData = data
		return nil
	})
	peer.Write([]byte(`{"event":"MIGRATION","data":{"result":"a{b}c"}}`))
	if err := c.RecvOnce(time.Second); err != nil {
		t.Fatalf("RecvOnce: %v", err)
	}
	if string(gotData) != `{"result":"a{b}c"}` {
		t.Fatalf("got %s", gotData)
	}
}

func TestFullBufferWithoutCompleteObjectIsEMSGSIZE(t *testing.T) {
	old := BufferSize
	BufferSize = 8
	defer func() { BufferSize = old }()

	c, peer := newClientPair(t)
	peer.Write([]byte(`{"abcdef`)) // 8 bytes, incomplete, fills buffer exactly

	if err := c.RecvOnce(time.Second); err != nil {
		t.Fatalf("unexpected error filling buffer: %v", err)
	}
	err := c.RecvOnce(time.Second)
	if err != xcperr.EMSGSIZE {
		t.Fatalf("expected EMSGSIZE, got %v", err)
	}
}

func TestSendWhileAckPendingPanics(t *testing.T) {
	c, _ := newClientPair(t)
	c.waitingAck = true
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	c.Send("quit", nil, -1)
}
