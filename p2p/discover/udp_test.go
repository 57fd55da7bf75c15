package discover

import (
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/quartzchain/quartz/cryptox"
)

func newTestTransport(t *testing.T) *UDPv4 {
	t.Helper()
	priv, err := cryptox.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	u, err := ListenUDP(conn, Config{PrivateKey: priv, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(u.Close)
	return u
}

// TestPingPongResolvesPeer is scenario S5: A pings B, B replies, A resolves
// and inserts B into its table at the expected bucket.
func TestPingPongResolvesPeer(t *testing.T) {
	a := newTestTransport(t)
	b := newTestTransport(t)

	bAddr := b.conn.LocalAddr().(*net.UDPAddr)
	bPort := uint16(bAddr.Port)

	info := &PeerInfo{Addr: "127.0.0.1", UDPPort: &bPort}
	resolved, err := a.AddPeer(info)
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if resolved.ID == nil || *resolved.ID != b.Self() {
		t.Fatalf("resolved id mismatch: got %v want %v", resolved.ID, b.Self())
	}
	if !a.table.Contains(b.Self()) {
		t.Fatalf("expected b to be inserted into a's table")
	}
	wantBucket := a.table.BucketIndex(b.Self())
	a.table.mu.Lock()
	gotBucket, stored := a.table.index[b.Self()]
	a.table.mu.Unlock()
	if !stored || wantBucket != gotBucket {
		t.Fatalf("bucket index mismatch")
	}
}

func TestBucketInvariantsNoDuplicateOrSelf(t *testing.T) {
	var self NodeID
	self[0] = 1
	tbl := NewTable(self)

	if tbl.tryAdd(&PeerInfo{ID: &self}) {
		t.Fatalf("must never store the local id (I2)")
	}

	var other NodeID
	other[0] = 2
	p := &PeerInfo{Addr: "1.2.3.4", ID: &other}
	if !tbl.tryAdd(p) {
		t.Fatalf("expected insert to succeed")
	}
	if !tbl.tryAdd(p) {
		t.Fatalf("re-inserting the same id should succeed (moves, doesn't duplicate)")
	}
	if tbl.Len() != 1 {
		t.Fatalf("duplicate insert must not create a second entry (I1): len=%d", tbl.Len())
	}
}
