package muxer

import (
	"io"
	"testing"
	"time"
)

// pipeFrameWriter connects two in-process frameWriters back to back, each
// message sent on one arriving on the other's ReadMsg, to exercise Session
// without a real rlpx.Conn.
type pipeFrameWriter struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (a, b *pipeFrameWriter) {
	c1 := make(chan []byte, 16)
	c2 := make(chan []byte, 16)
	a = &pipeFrameWriter{out: c1, in: c2}
	b = &pipeFrameWriter{out: c2, in: c1}
	return a, b
}

func (p *pipeFrameWriter) WriteMsg(code uint64, payload []byte) error {
	cp := append([]byte(nil), payload...)
	p.out <- cp
	return nil
}

func (p *pipeFrameWriter) ReadMsg() (uint64, []byte, error) {
	payload, ok := <-p.in
	if !ok {
		return 0, nil, io.EOF
	}
	return 0, payload, nil
}

func TestStreamOpenAcceptDataRoundTrip(t *testing.T) {
	fa, fb := newPipePair()
	sa := NewSession(fa, true)
	sb := NewSession(fb, false)
	defer sa.Close()
	defer sb.Close()

	clientStream, err := sa.OpenStream("/eth/68/1.0.0")
	if err != nil {
		t.Fatal(err)
	}

	serverStream, err := sb.AcceptStream()
	if err != nil {
		t.Fatal(err)
	}
	if serverStream.Protocol() != "/eth/68/1.0.0" {
		t.Fatalf("protocol = %q, want /eth/68/1.0.0", serverStream.Protocol())
	}

	msg := []byte("hello stream")
	if _, err := clientStream.Write(msg); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	n, err := serverStream.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
}

func TestStreamCloseBothHalvesRetiresStream(t *testing.T) {
	fa, fb := newPipePair()
	sa := NewSession(fa, true)
	sb := NewSession(fb, false)
	defer sa.Close()
	defer sb.Close()

	clientStream, err := sa.OpenStream("")
	if err != nil {
		t.Fatal(err)
	}
	serverStream, err := sb.AcceptStream()
	if err != nil {
		t.Fatal(err)
	}

	if err := clientStream.Close(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 8)
	_, err = serverStream.Read(buf)
	if err != errStreamClosed {
		t.Fatalf("serverStream.Read after peer close = %v, want errStreamClosed", err)
	}

	if err := serverStream.Close(); err != nil {
		t.Fatal(err)
	}
	sb.mu.Lock()
	_, stillTracked := sb.streams[serverStream.ID()]
	sb.mu.Unlock()
	if stillTracked {
		t.Fatal("stream still in the session table after both halves closed")
	}
}

func TestStreamResetPropagates(t *testing.T) {
	fa, fb := newPipePair()
	sa := NewSession(fa, true)
	sb := NewSession(fb, false)
	defer sa.Close()
	defer sb.Close()

	clientStream, err := sa.OpenStream("")
	if err != nil {
		t.Fatal(err)
	}
	serverStream, err := sb.AcceptStream()
	if err != nil {
		t.Fatal(err)
	}

	if err := clientStream.Reset(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-serverStream.notify:
	case <-time.After(time.Second):
		t.Fatal("server stream was not woken by reset")
	}
	buf := make([]byte, 8)
	if _, err := serverStream.Read(buf); err != errStreamReset {
		t.Fatalf("Read after reset = %v, want errStreamReset", err)
	}
}
