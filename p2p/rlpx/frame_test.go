package rlpx

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/quartzchain/quartz/cryptox"
)

// pairedSecrets builds two Secrets objects that mirror each other: side A's
// egress matches side B's ingress and vice versa, as a real handshake would
// produce. This isolates the frame cipher/MAC test from the handshake.
func pairedSecrets(t *testing.T) (a, b *Secrets) {
	t.Helper()
	aesSecret := make([]byte, 32)
	macSecret := make([]byte, 16)
	for i := range aesSecret {
		aesSecret[i] = byte(i)
	}
	for i := range macSecret {
		macSecret[i] = byte(i + 1)
	}
	seed1 := []byte("initiator-init-message")
	seed2 := []byte("responder-ack-message")

	aEgress, err := cryptox.NewHashMAC(macSecret, seed1)
	if err != nil {
		t.Fatal(err)
	}
	aIngress, err := cryptox.NewHashMAC(macSecret, seed2)
	if err != nil {
		t.Fatal(err)
	}
	bEgress, err := cryptox.NewHashMAC(macSecret, seed2)
	if err != nil {
		t.Fatal(err)
	}
	bIngress, err := cryptox.NewHashMAC(macSecret, seed1)
	if err != nil {
		t.Fatal(err)
	}

	a = &Secrets{AES: aesSecret, MAC: macSecret, EgressMAC: aEgress, IngressMAC: aIngress}
	b = &Secrets{AES: aesSecret, MAC: macSecret, EgressMAC: bEgress, IngressMAC: bIngress}
	return a, b
}

// bufConn is a one-shot net.Conn backed by a plain buffer: writes accumulate,
// reads drain. Good enough to drive WriteMsg into a byte slice and then feed
// a (possibly corrupted) copy into ReadMsg.
type bufConn struct {
	buf bytes.Buffer
}

func (c *bufConn) Read(p []byte) (int, error)  { return c.buf.Read(p) }
func (c *bufConn) Write(p []byte) (int, error) { return c.buf.Write(p) }
func (c *bufConn) Close() error                { return nil }
func (c *bufConn) LocalAddr() net.Addr         { return nil }
func (c *bufConn) RemoteAddr() net.Addr        { return nil }
func (c *bufConn) SetDeadline(time.Time) error { return nil }
func (c *bufConn) SetReadDeadline(time.Time) error  { return nil }
func (c *bufConn) SetWriteDeadline(time.Time) error { return nil }

func TestFrameRoundTrip(t *testing.T) {
	sa, sb := pairedSecrets(t)

	writeSide := &bufConn{}
	connA, err := NewConn(writeSide, sa)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := connA.WriteMsg(7, payload); err != nil {
		t.Fatal(err)
	}

	readSide := &bufConn{}
	readSide.buf.Write(writeSide.buf.Bytes())
	connB, err := NewConn(readSide, sb)
	if err != nil {
		t.Fatal(err)
	}

	code, got, err := connB.ReadMsg()
	if err != nil {
		t.Fatal(err)
	}
	if code != 7 {
		t.Fatalf("code = %d, want 7", code)
	}
	if len(got) != len(payload) {
		t.Fatalf("payload length = %d, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("payload mismatch at %d", i)
		}
	}
}

func TestFrameBitFlipFailsMAC(t *testing.T) {
	sa, sb := pairedSecrets(t)

	writeSide := &bufConn{}
	connA, err := NewConn(writeSide, sa)
	if err != nil {
		t.Fatal(err)
	}
	if err := connA.WriteMsg(1, []byte("hello world")); err != nil {
		t.Fatal(err)
	}

	corrupted := append([]byte(nil), writeSide.buf.Bytes()...)
	corrupted[40] ^= 0xff // flip a byte inside the encrypted body (offset 32 is body start)

	readSide := &bufConn{}
	readSide.buf.Write(corrupted)
	connB, err := NewConn(readSide, sb)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := connB.ReadMsg(); err != ErrMACMismatch {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
}

func TestFrameHeaderBitFlipFailsMAC(t *testing.T) {
	sa, sb := pairedSecrets(t)

	writeSide := &bufConn{}
	connA, err := NewConn(writeSide, sa)
	if err != nil {
		t.Fatal(err)
	}
	if err := connA.WriteMsg(1, []byte("hello world")); err != nil {
		t.Fatal(err)
	}

	corrupted := append([]byte(nil), writeSide.buf.Bytes()...)
	corrupted[0] ^= 0xff // flip a byte inside the encrypted header

	readSide := &bufConn{}
	readSide.buf.Write(corrupted)
	connB, err := NewConn(readSide, sb)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := connB.ReadMsg(); err != ErrMACMismatch {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
}
