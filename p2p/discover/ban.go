package discover

import (
	"sync"
	"time"
)

// DefaultBanDuration is the default ban expiry when none is given (§3).
const DefaultBanDuration = 5 * time.Minute

// BanList maps a stable peer key (id hex, or "addr:port" when the id is
// unknown) to an expiry timestamp. A peer is banned iff now < expiry.
type BanList struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewBanList creates an empty ban list. now defaults to time.Now if nil,
// overridable for deterministic tests.
func NewBanList(now func() time.Time) *BanList {
	if now == nil {
		now = time.Now
	}
	return &BanList{expires: make(map[string]time.Time), now: now}
}

// Ban marks key as banned for d (DefaultBanDuration if d <= 0).
func (b *BanList) Ban(key string, d time.Duration) {
	if d <= 0 {
		d = DefaultBanDuration
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expires[key] = b.now().Add(d)
}

// Banned reports whether key is currently banned.
func (b *BanList) Banned(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	exp, ok := b.expires[key]
	if !ok {
		return false
	}
	if !b.now().Before(exp) {
		delete(b.expires, key)
		return false
	}
	return true
}

// Unban removes any ban on key.
func (b *BanList) Unban(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.expires, key)
}
