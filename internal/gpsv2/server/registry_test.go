package server

import (
	"net"
	"testing"
	"time"

	"nuha.dev/tk103tracker/internal/gpsv2/conn"
	"nuha.dev/tk103tracker/internal/store"
)

func pipeConn(t *testing.T, cid uint64) *conn.Conn {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return conn.NewConn(a, cid)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	t0 := time.Now()
	id1 := r.Register(pipeConn(t, 1), "10.0.0.1:1", t0)
	id2 := r.Register(pipeConn(t, 2), "10.0.0.2:1", t0)
	if id1 != 1 || id2 != 2 || r.Len() != 2 {
		t.Fatalf("unexpected ids %d %d", id1, id2)
	}

	r.Claim(id1, 0)
	c1, _ := r.Get(id1)
	if c1.State != Unclaimed {
		t.Fatalf("serial 0 must not claim")
	}
	r.Touch(id1, t0.Add(time.Second))
	r.Claim(id1, 57045206556)
	if c1.State != Claimed || c1.ClaimedSerial != 57045206556 || !c1.LastActivity.Equal(t0.Add(time.Second)) {
		t.Fatalf("unexpected connection %+v", c1)
	}

	all := r.All()
	if len(all) != 2 || all[0].Id != 1 || all[1].Id != 2 {
		t.Fatalf("unexpected order")
	}

	removed := r.Remove(id1)
	if removed == nil || removed.State != Closed || r.Len() != 1 {
		t.Fatalf("remove failed")
	}
	if r.Remove(id1) != nil {
		t.Fatalf("second remove must be a no-op")
	}
	r.Touch(id1, t0)
	r.Claim(id1, 1)
	if _, ok := r.Get(id1); ok {
		t.Fatalf("removed connection came back")
	}
}

func claimed(id uint64, serial uint64, last time.Time) *Connection {
	return &Connection{Id: id, ClaimedSerial: serial, LastActivity: last, State: Claimed}
}

func TestEvictionsDuplicates(t *testing.T) {
	t0 := time.Now()
	conns := []*Connection{
		claimed(1, 100, t0),
		claimed(2, 100, t0.Add(time.Second)),
		claimed(3, 200, t0),
		claimed(4, 100, t0.Add(-time.Second)),
	}
	ev := Evictions(conns, t0.Add(2*time.Second), 600*time.Second)
	if len(ev) != 2 {
		t.Fatalf("expected 2 evictions, got %+v", ev)
	}
	for _, e := range ev {
		if e.Id != 1 && e.Id != 4 {
			t.Fatalf("evicted wrong connection %+v", e)
		}
		if e.Kind != store.CMD_DOWN || e.Reason != DUPLICATE_EVICTED {
			t.Fatalf("unexpected kind %+v", e)
		}
	}
}

func TestEvictionsTieBreak(t *testing.T) {
	t0 := time.Now()
	ev := Evictions([]*Connection{claimed(7, 100, t0), claimed(5, 100, t0)}, t0, time.Minute)
	if len(ev) != 1 || ev[0].Id != 5 {
		t.Fatalf("older connection id must lose the tie, got %+v", ev)
	}
}

func TestEvictionsIdle(t *testing.T) {
	t0 := time.Now()
	conns := []*Connection{
		{Id: 1, LastActivity: t0.Add(-601 * time.Second), State: Unclaimed},
		{Id: 2, LastActivity: t0.Add(-599 * time.Second), State: Unclaimed},
		claimed(3, 100, t0.Add(-3600*time.Second)),
	}
	ev := Evictions(conns, t0, 600*time.Second)
	if len(ev) != 1 || ev[0].Id != 1 || ev[0].Kind != store.CMD_KILL {
		t.Fatalf("unexpected evictions %+v", ev)
	}
}
