package eth

import "testing"

func TestBroadcastFanoutMinimumAndClamp(t *testing.T) {
	cases := []struct {
		peers int
		want  int
	}{
		{0, 0},
		{1, 1},
		{3, 2},
		{4, 2},
		{16, 4},
		{100, 10},
	}
	for _, c := range cases {
		if got := broadcastFanout(c.peers); got != c.want {
			t.Errorf("broadcastFanout(%d) = %d, want %d", c.peers, got, c.want)
		}
	}
}

func TestPeerSetRegisterUnregister(t *testing.T) {
	ps := newPeerSet()
	p := &Peer{id: "peer-a", term: make(chan struct{})}

	if err := ps.Register(p); err != nil {
		t.Fatal(err)
	}
	if err := ps.Register(p); err != errPeerAlreadyRegistered {
		t.Fatalf("duplicate register = %v, want errPeerAlreadyRegistered", err)
	}
	if ps.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", ps.Len())
	}
	if ps.Peer("peer-a") != p {
		t.Fatal("Peer lookup mismatch")
	}

	if err := ps.Unregister("peer-a"); err != nil {
		t.Fatal(err)
	}
	if err := ps.Unregister("peer-a"); err != errPeerNotRegistered {
		t.Fatalf("double unregister = %v, want errPeerNotRegistered", err)
	}
}
