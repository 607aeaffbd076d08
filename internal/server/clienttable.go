package server

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/yeozhishen/tftpd/internal/transfer"
)

const (
	clientTableSize = 1000
	clientTableTTL  = 5 * time.Minute
)

// clientEntry is what the single-port dispatcher keeps per active peer: the
// channel that feeds its transfer goroutine and the cancellation for that
// goroutine's context, used both on natural completion and on eviction.
type clientEntry struct {
	in     chan transfer.Datagram
	cancel context.CancelFunc
}

// clientTable is a bounded map from peer address to the entry that reaches
// that peer's transfer goroutine, with time-expiring eviction so abandoned
// transfers do not leak entries. Entries expire a fixed clientTableTTL after
// they are added; lookups do not extend that. The listener goroutine adds
// entries, and each transfer goroutine removes its own entry when its
// transfer ends, so the table is not mutated by the listener alone; the
// underlying LRU is safe for concurrent use.
type clientTable struct {
	entries *lru.LRU[string, *clientEntry]
}

func newClientTable() *clientTable {
	t := &clientTable{}
	t.entries = lru.NewLRU[string, *clientEntry](clientTableSize, func(_ string, e *clientEntry) {
		e.cancel()
	}, clientTableTTL)
	return t
}

func (t *clientTable) get(key string) (*clientEntry, bool) {
	return t.entries.Get(key)
}

func (t *clientTable) put(key string, entry *clientEntry) {
	t.entries.Add(key, entry)
}

func (t *clientTable) remove(key string) {
	t.entries.Remove(key)
}
