package muxer

import (
	"bytes"
	"io"
	"sync"
	"testing"
)

// loopReadWriter joins two bytes.Buffer-backed pipes so each side's writes
// land in the other's read stream, letting SelectProtocol/HandleSelect run
// concurrently against each other like a real connection.
type loopReadWriter struct {
	mu   *sync.Mutex // shared by both ends of the pair
	rBuf *bytes.Buffer
	wBuf *bytes.Buffer
	cond *sync.Cond // shared by both ends of the pair
}

func newLoopPair() (a, b *loopReadWriter) {
	buf1 := &bytes.Buffer{}
	buf2 := &bytes.Buffer{}
	mu := &sync.Mutex{}
	cond := sync.NewCond(mu)
	a = &loopReadWriter{mu: mu, rBuf: buf1, wBuf: buf2, cond: cond}
	b = &loopReadWriter{mu: mu, rBuf: buf2, wBuf: buf1, cond: cond}
	return a, b
}

func (l *loopReadWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	n, err := l.wBuf.Write(p)
	l.mu.Unlock()
	l.cond.Broadcast()
	return n, err
}

func (l *loopReadWriter) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.rBuf.Len() == 0 {
		l.cond.Wait()
	}
	return l.rBuf.Read(p)
}

var _ io.ReadWriter = (*loopReadWriter)(nil)

func TestSelectProtocolOptimisticSingleCandidate(t *testing.T) {
	a, b := newLoopPair()

	var negotiated string
	var negotiatedErr error
	done := make(chan struct{})
	go func() {
		negotiated, negotiatedErr = SelectProtocol(a, []string{"/eth/68/1.0.0"})
		close(done)
	}()

	got, err := HandleSelect(b, map[string]bool{"/eth/68/1.0.0": true})
	if err != nil {
		t.Fatal(err)
	}
	if got != "/eth/68/1.0.0" {
		t.Fatalf("responder got %q", got)
	}
	<-done
	if negotiatedErr != nil {
		t.Fatal(negotiatedErr)
	}
	if negotiated != "/eth/68/1.0.0" {
		t.Fatalf("initiator negotiated %q", negotiated)
	}
}

func TestSelectProtocolFallsBackOnRejection(t *testing.T) {
	a, b := newLoopPair()

	var negotiated string
	var negotiatedErr error
	done := make(chan struct{})
	go func() {
		negotiated, negotiatedErr = SelectProtocol(a, []string{"/eth/66/1.0.0", "/eth/68/1.0.0"})
		close(done)
	}()

	got, err := HandleSelect(b, map[string]bool{"/eth/68/1.0.0": true})
	if err != nil {
		t.Fatal(err)
	}
	if got != "/eth/68/1.0.0" {
		t.Fatalf("responder got %q", got)
	}
	<-done
	if negotiatedErr != nil {
		t.Fatal(negotiatedErr)
	}
	if negotiated != "/eth/68/1.0.0" {
		t.Fatalf("initiator negotiated %q, want /eth/68/1.0.0", negotiated)
	}
}

func TestSelectProtocolNoneAccepted(t *testing.T) {
	a, b := newLoopPair()

	var negotiatedErr error
	done := make(chan struct{})
	go func() {
		_, negotiatedErr = SelectProtocol(a, []string{"/eth/66/1.0.0"})
		close(done)
	}()

	if _, err := HandleSelect(b, map[string]bool{"/eth/68/1.0.0": true}); err == nil {
		t.Fatal("expected HandleSelect to fail once the candidate list is exhausted")
	}
	<-done
	if negotiatedErr != errNoProtocol {
		t.Fatalf("negotiatedErr = %v, want errNoProtocol", negotiatedErr)
	}
}
