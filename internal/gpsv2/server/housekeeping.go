package server

import (
	"time"

	"nuha.dev/tk103tracker/internal/store"
)

const (
	DUPLICATE_EVICTED string = "duplicate_evicted"
	IDLE_EVICTED      string = "idle_evicted"
)

type Eviction struct {
	Id     uint64
	Kind   string
	Reason string
}

// Evictions decides which connections to close: for every serial claimed by
// more than one connection all but the most recently active one, and every
// unclaimed connection idle longer than idle. Ties on activity go to the
// higher connection id.
func Evictions(conns []*Connection, now time.Time, idle time.Duration) []Eviction {
	var out []Eviction
	newest := make(map[uint64]*Connection)
	for _, c := range conns {
		if c.State != Claimed {
			continue
		}
		cur, ok := newest[c.ClaimedSerial]
		if !ok || newer(c, cur) {
			newest[c.ClaimedSerial] = c
		}
	}
	for _, c := range conns {
		switch c.State {
		case Claimed:
			if newest[c.ClaimedSerial] != c {
				out = append(out, Eviction{Id: c.Id, Kind: store.CMD_DOWN, Reason: DUPLICATE_EVICTED})
			}
		case Unclaimed:
			if now.Sub(c.LastActivity) > idle {
				out = append(out, Eviction{Id: c.Id, Kind: store.CMD_KILL, Reason: IDLE_EVICTED})
			}
		}
	}
	return out
}

func newer(a, b *Connection) bool {
	if a.LastActivity.Equal(b.LastActivity) {
		return a.Id > b.Id
	}
	return a.LastActivity.After(b.LastActivity)
}
