package discover

import (
	"crypto/rand"
	"testing"

	"github.com/quartzchain/quartz/cryptox"
)

func TestEncodeDecodePacketRoundTrip(t *testing.T) {
	priv, err := cryptox.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	payload := &pingData{Version: 4, Expiration: futureExpiration()}

	packet, err := encodePacket(priv, pingPacket, payload)
	if err != nil {
		t.Fatal(err)
	}

	ptype, _, fromID, _, err := decodePacket(packet)
	if err != nil {
		t.Fatal(err)
	}
	if ptype != pingPacket {
		t.Fatalf("type = %x, want %x", ptype, pingPacket)
	}
	want := PubkeyToNodeID(&priv.PublicKey)
	if fromID != want {
		t.Fatalf("recovered id mismatch")
	}
}

func TestRecoveredIDDiffersByKey(t *testing.T) {
	priv1, _ := cryptox.GenerateKey(rand.Reader)
	priv2, _ := cryptox.GenerateKey(rand.Reader)
	payload := &pingData{Version: 4, Expiration: futureExpiration()}

	p1, err := encodePacket(priv1, pingPacket, payload)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := encodePacket(priv2, pingPacket, payload)
	if err != nil {
		t.Fatal(err)
	}
	_, _, id1, _, _ := decodePacket(p1)
	_, _, id2, _, _ := decodePacket(p2)
	if id1 == id2 {
		t.Fatalf("expected different recovered ids for different keys")
	}
}

func TestDecodeRejectsBadHash(t *testing.T) {
	priv, _ := cryptox.GenerateKey(rand.Reader)
	packet, _ := encodePacket(priv, pingPacket, &pingData{Version: 4, Expiration: futureExpiration()})
	packet[0] ^= 0xff
	if _, _, _, _, err := decodePacket(packet); err != errBadHash {
		t.Fatalf("expected errBadHash, got %v", err)
	}
}

func TestNewEndpointPacksIPv4(t *testing.T) {
	port := uint16(30303)
	e := newEndpoint("192.168.1.1", &port, nil)
	if len(e.IP) != 4 {
		t.Fatalf("IP length = %d, want 4 for an IPv4 address", len(e.IP))
	}
	if e.IP[0] != 192 || e.IP[1] != 168 || e.IP[2] != 1 || e.IP[3] != 1 {
		t.Fatalf("IP = %v, want 192.168.1.1 packed", e.IP)
	}
}

func TestNewEndpointPacksIPv6(t *testing.T) {
	e := newEndpoint("::1", nil, nil)
	if len(e.IP) != 16 {
		t.Fatalf("IP length = %d, want 16 for an IPv6 address", len(e.IP))
	}
}

func TestNewEndpointEmptyAddr(t *testing.T) {
	e := newEndpoint("", nil, nil)
	if len(e.IP) != 0 {
		t.Fatalf("IP = %v, want empty for an unknown address", e.IP)
	}
}
