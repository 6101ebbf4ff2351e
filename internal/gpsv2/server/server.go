package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/time/rate"
	"nuha.dev/tk103tracker/internal/event"
	"nuha.dev/tk103tracker/internal/gpsv2/conn"
	"nuha.dev/tk103tracker/internal/gpsv2/device/tk103"
	"nuha.dev/tk103tracker/internal/store"
	"nuha.dev/tk103tracker/internal/util"
)

const (
	BOOT            string = "boot"
	NEW_CONNECTION  string = "new_connection"
	PEER_CLOSED     string = "peer_closed"
	TRANSPORT_ERROR string = "transport_error"
	MALFORMED_FRAME string = "malformed_frame"
	PENDING_DROPPED string = "pending_dropped"
	HEARTBEAT       string = "heartbeat"
	SHUTDOWN        string = "shutdown"
)

var ErrServerStopped = errors.New("server stopped")

type ServerConfig struct {
	ListenerAddr  string
	ProxyProtocol bool
	TunnelAddr    string
	TunnelToken   string
	IdleTimeout   time.Duration
	WaitTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxPending    int
	AcceptRate    float64
	AcceptBurst   int
	ReadBufSize   int
}

// ConnInfo is a point in time view of one registered connection.
type ConnInfo struct {
	Id            uint64    `json:"id"`
	RemoteAddress string    `json:"remote_address"`
	Serial        uint64    `json:"serial"`
	State         string    `json:"state"`
	Accepted      time.Time `json:"accepted"`
	LastActivity  time.Time `json:"last_activity"`
	BytesIn       uint64    `json:"bytes_in"`
	BytesOut      uint64    `json:"bytes_out"`
}

type readEvent struct {
	cid  uint64
	data []byte
	err  error
}

// Server accepts tracker connections and feeds their frames to the protocol
// handler. All connection state is owned by the loop goroutine; accept and
// read goroutines only hand data over channels.
type Server struct {
	mu          sync.Mutex
	log         log.Logger
	config      *ServerConfig
	handler     *tk103.Handler
	registry    *Registry
	limiter     *rate.Limiter
	cid_counter uint64
	run_id      string
	listener    net.Listener
	accepted    chan *conn.Conn
	events      chan readEvent
	snapshots   chan chan []ConnInfo
	done        chan struct{}
	now         func() time.Time
}

func NewServer(handler *tk103.Handler, config *ServerConfig) *Server {
	s := &Server{}
	s.config = config
	if s.config.IdleTimeout <= 0 {
		s.config.IdleTimeout = 600 * time.Second
	}
	if s.config.WaitTimeout <= 0 {
		s.config.WaitTimeout = 60 * time.Second
	}
	if s.config.WriteTimeout <= 0 {
		s.config.WriteTimeout = time.Second
	}
	if s.config.ReadBufSize <= 0 {
		s.config.ReadBufSize = 4096
	}
	if s.config.MaxPending <= 0 {
		s.config.MaxPending = 1024
	}
	s.run_id = util.GenUUID()
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "gps-server").Str("run_id", s.run_id).Value()
	s.handler = handler
	s.registry = NewRegistry()
	limit := rate.Inf
	if config.AcceptRate > 0 {
		limit = rate.Limit(config.AcceptRate)
	}
	burst := config.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)
	s.accepted = make(chan *conn.Conn)
	s.events = make(chan readEvent, 64)
	s.snapshots = make(chan chan []ConnInfo)
	s.done = make(chan struct{})
	s.now = time.Now
	return s
}

func (s *Server) RunId() string {
	return s.run_id
}

// Run listens on the configured address, optionally behind PROXY protocol,
// and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenerAddr)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to listen")
		return err
	}
	if s.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("event", BOOT).Msgf("starting gps-server on %s", ln.Addr())
	s.handler.RecordLifecycle(ctx, &event.Lifecycle{Kind: store.CMD_BOOT, RemoteAddr: ln.Addr().String(), Time: s.now()})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.acceptLoop(ctx, ln)
	if s.config.TunnelAddr != "" {
		go s.runMuxListener(ctx)
	}
	s.loop(ctx)
	return nil
}

// Addr is the bound listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections asks the loop for a snapshot of the registry.
func (s *Server) Connections(ctx context.Context) ([]ConnInfo, error) {
	if s.Addr() == nil {
		return nil, ErrServerStopped
	}
	req := make(chan []ConnInfo, 1)
	select {
	case s.snapshots <- req:
	case <-s.done:
		return nil, ErrServerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case list := <-req:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) nextCid() uint64 {
	return atomic.AddUint64(&s.cid_counter, 1)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		_c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Str("event", TRANSPORT_ERROR).Msg("failed to accept new connection")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		c := conn.NewConn(_c, s.nextCid())
		s.hand(ctx, c)
	}
}

// hand passes an accepted connection to the loop.
func (s *Server) hand(ctx context.Context, c *conn.Conn) {
	select {
	case s.accepted <- c:
	case <-ctx.Done():
		c.Close()
	}
}

func (s *Server) reader(ctx context.Context, c *conn.Conn) {
	buf := make([]byte, s.config.ReadBufSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			d := make([]byte, n)
			copy(d, buf[:n])
			select {
			case s.events <- readEvent{cid: c.Cid(), data: d}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case s.events <- readEvent{cid: c.Cid(), err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (s *Server) loop(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(s.config.WaitTimeout)
	defer timer.Stop()
	for {
		now := s.now()
		s.handler.Clock().Refresh(now)
		s.housekeeping(ctx, now)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.config.WaitTimeout)

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case c := <-s.accepted:
			s.register(ctx, c)
		case ev := <-s.events:
			s.dispatch(ctx, ev)
		case req := <-s.snapshots:
			req <- s.snapshot()
		case <-timer.C:
			s.log.Info().Str("event", HEARTBEAT).Int("connections", s.registry.Len()).Msg("")
		}
	}
}

func (s *Server) housekeeping(ctx context.Context, now time.Time) {
	for _, ev := range Evictions(s.registry.All(), now, s.config.IdleTimeout) {
		if c, ok := s.registry.Get(ev.Id); ok {
			s.close(ctx, c, ev.Kind, ev.Reason, nil)
		}
	}
}

func (s *Server) register(ctx context.Context, c *conn.Conn) {
	now := s.now()
	id := s.registry.Register(c, c.RemoteAddress(), now)
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
	s.handler.RecordLifecycle(ctx, &event.Lifecycle{Kind: store.CMD_CONN, Cid: id, RemoteAddr: c.RemoteAddress(), Time: now})
	go s.reader(ctx, c)
}

func (s *Server) dispatch(ctx context.Context, ev readEvent) {
	c, ok := s.registry.Get(ev.cid)
	if !ok {
		return
	}
	if len(ev.data) > 0 {
		data := ev.data
		if len(c.pending) > 0 {
			data = append(c.pending, ev.data...)
		}
		frames, rest := tk103.SplitFrames(data)
		if len(rest) > s.config.MaxPending {
			s.log.Warn().Str("event", PENDING_DROPPED).EmbedObject(c).Int("len", len(rest)).Msg("")
			rest = nil
		}
		c.pending = append([]byte(nil), rest...)

		for _, raw := range frames {
			f, err := tk103.DecodeFrame(raw)
			if err != nil {
				s.log.Warn().Err(err).Str("event", MALFORMED_FRAME).EmbedObject(c).Str("frame", raw).Msg("")
				continue
			}
			now := s.now()
			s.registry.Touch(c.Id, now)
			s.registry.Claim(c.Id, f.Serial)
			s.log.Trace().EmbedObject(c).Str("cmd", f.Command).Str("body", f.Body).Msg("frame")

			resp := s.handler.Handle(ctx, &f, &tk103.Meta{Cid: c.Id, RemoteAddr: c.RemoteAddress, ReceivedAt: now})
			if resp == nil {
				continue
			}
			_ = c.Conn.SetWriteDeadline(now.Add(s.config.WriteTimeout))
			if _, err := c.Conn.Write(resp); err != nil {
				s.close(ctx, c, store.CMD_FAIL, TRANSPORT_ERROR, err)
				return
			}
		}
	}
	if ev.err != nil {
		if errors.Is(ev.err, io.EOF) {
			s.close(ctx, c, store.CMD_CLOS, PEER_CLOSED, nil)
		} else {
			s.close(ctx, c, store.CMD_FAIL, TRANSPORT_ERROR, ev.err)
		}
	}
}

func (s *Server) close(ctx context.Context, c *Connection, kind string, reason string, err error) {
	s.registry.Remove(c.Id)
	c.Conn.Close()
	byte_in, byte_out := c.Conn.Stat()
	s.log.Info().Err(err).Str("event", reason).EmbedObject(c).Uint64("byte_in", byte_in).Uint64("byte_out", byte_out).Msg("connection closed")
	s.handler.RecordLifecycle(ctx, &event.Lifecycle{
		Kind:       kind,
		Cid:        c.Id,
		Serial:     c.ClaimedSerial,
		RemoteAddr: c.RemoteAddress,
		Time:       s.now(),
		Reason:     reason,
	})
}

func (s *Server) snapshot() []ConnInfo {
	all := s.registry.All()
	list := make([]ConnInfo, 0, len(all))
	for _, c := range all {
		byte_in, byte_out := c.Conn.Stat()
		list = append(list, ConnInfo{
			Id:            c.Id,
			RemoteAddress: c.RemoteAddress,
			Serial:        c.ClaimedSerial,
			State:         c.State.String(),
			Accepted:      c.Accepted,
			LastActivity:  c.LastActivity,
			BytesIn:       byte_in,
			BytesOut:      byte_out,
		})
	}
	return list
}

func (s *Server) shutdown() {
	s.log.Info().Str("event", SHUTDOWN).Int("connections", s.registry.Len()).Msg("")
	for _, c := range s.registry.All() {
		s.registry.Remove(c.Id)
		c.Conn.Close()
	}
}
