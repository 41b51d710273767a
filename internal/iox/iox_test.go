package iox

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xcp-ng/xcp-emu-manager/internal/xcperr"
)

func listenUnix(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}

func TestReadTimeoutDeliversData(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	go func() { w.Write([]byte("hello")) }()

	buf := make([]byte, 16)
	n, err := ReadTimeout(r, buf, time.Second)
	if err != nil {
		t.Fatalf("ReadTimeout: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestReadTimeoutExpires(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	buf := make([]byte, 16)
	_, err = ReadTimeout(r, buf, 50*time.Millisecond)
	if err != xcperr.ETIME {
		t.Fatalf("expected ETIME, got %v", err)
	}
}

func TestReadTimeoutDisconnected(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w.Close()

	buf := make([]byte, 16)
	_, err = ReadTimeout(r, buf, time.Second)
	if err != xcperr.Disconnected {
		t.Fatalf("expected Disconnected, got %v", err)
	}
}

func TestPollReportsReadable(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	w.Write([]byte("x"))

	fds := []PollFD{{FD: int32(r.Fd()), Events: PollIn}}
	if err := Poll(fds, time.Second); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if fds[0].Revents&PollIn == 0 {
		t.Fatalf("expected POLLIN, got revents=%d", fds[0].Revents)
	}
}

func TestPollTimesOut(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	fds := []PollFD{{FD: int32(r.Fd()), Events: PollIn}}
	if err := Poll(fds, 50*time.Millisecond); err != xcperr.ETIME {
		t.Fatalf("expected ETIME, got %v", err)
	}
}

func TestDialUnixAndSendFD(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	ln, err := listenUnix(sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		conn.Read(buf)
		acceptErr <- nil
	}()

	conn, err := DialUnix(sockPath, time.Second)
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	defer conn.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if err := SendFD(conn, []byte("hi"), int(w.Fd())); err != nil {
		t.Fatalf("SendFD: %v", err)
	}
	if err := <-acceptErr; err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestStatFDDetectsAccessMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	mode, err := StatFD(int(f.Fd()))
	if err != nil {
		t.Fatalf("StatFD: %v", err)
	}
	if mode.IsSocket || mode.IsFIFO {
		t.Fatalf("regular file misclassified: %+v", mode)
	}
	if mode.AccessMode != os.O_WRONLY || mode.Append {
		t.Fatalf("expected write-only without append, got %+v", mode)
	}
}
