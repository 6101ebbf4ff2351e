package server

import (
	"sort"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/tk103tracker/internal/gpsv2/conn"
)

type State int

const (
	Unclaimed State = iota
	Claimed
	Closed
)

func (s State) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case Claimed:
		return "claimed"
	default:
		return "closed"
	}
}

type Connection struct {
	Id            uint64
	Conn          *conn.Conn
	RemoteAddress string
	ClaimedSerial uint64
	Accepted      time.Time
	LastActivity  time.Time
	State         State
	pending       []byte
}

func (c *Connection) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.Id).Str("remote_addr", c.RemoteAddress).Uint64("sn", c.ClaimedSerial).Str("state", c.State.String())
}

// Registry is the set of live connections. It is owned by the server loop
// goroutine and is not safe for concurrent use.
type Registry struct {
	list map[uint64]*Connection
}

func NewRegistry() *Registry {
	return &Registry{list: make(map[uint64]*Connection)}
}

// Register adds an unclaimed connection keyed by the connection id.
func (r *Registry) Register(c *conn.Conn, raddr string, now time.Time) uint64 {
	id := c.Cid()
	r.list[id] = &Connection{
		Id:            id,
		Conn:          c,
		RemoteAddress: raddr,
		Accepted:      now,
		LastActivity:  now,
		State:         Unclaimed,
	}
	return id
}

func (r *Registry) Touch(id uint64, now time.Time) {
	if c, ok := r.list[id]; ok {
		c.LastActivity = now
	}
}

// Claim records the serial a connection reports. Duplicates are left for
// housekeeping.
func (r *Registry) Claim(id uint64, serial uint64) {
	c, ok := r.list[id]
	if !ok || serial == 0 {
		return
	}
	c.ClaimedSerial = serial
	c.State = Claimed
}

func (r *Registry) Remove(id uint64) *Connection {
	c, ok := r.list[id]
	if !ok {
		return nil
	}
	delete(r.list, id)
	c.State = Closed
	return c
}

func (r *Registry) Get(id uint64) (*Connection, bool) {
	c, ok := r.list[id]
	return c, ok
}

// All returns the live connections ordered by id.
func (r *Registry) All() []*Connection {
	all := make([]*Connection, 0, len(r.list))
	for _, c := range r.list {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Id < all[j].Id })
	return all
}

func (r *Registry) Len() int {
	return len(r.list)
}
