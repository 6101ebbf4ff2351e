package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"nuha.dev/tk103tracker/internal/gpsv2/device/tk103"
	"nuha.dev/tk103tracker/internal/store"
)

const (
	loginFrame = "(057045206556BP05357857045206556190503A5210.8942N00428.4043E000.0134955000.0000000000L00000000)"
	loginReply = "(057045206556AP05)"
)

type memStore struct {
	mu      sync.Mutex
	samples []store.Sample
}

func (m *memStore) InsertSample(ctx context.Context, s *store.Sample) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, *s)
	return int64(len(m.samples)), nil
}

func (m *memStore) QuerySamples(ctx context.Context, serial uint64, date time.Time) ([]store.Sample, error) {
	return nil, nil
}

func (m *memStore) AvailableDates(ctx context.Context, serial uint64) ([]store.DateSummary, error) {
	return nil, nil
}

func (m *memStore) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.samples))
	for _, s := range m.samples {
		out = append(out, s.Command)
	}
	return out
}

func (m *memStore) count(cmd string) int {
	n := 0
	for _, c := range m.commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startServer(t *testing.T, config *ServerConfig) (*Server, *memStore) {
	st := &memStore{}
	h := tk103.NewHandler(st, nil, tk103.NewClock(time.UTC), &tk103.HandlerConfig{StoreTimeout: time.Second})
	s := NewServer(h, config)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	eventually(t, "boot record", func() bool { return st.count(store.CMD_BOOT) == 1 })
	return s, st
}

func dial(t *testing.T, s *Server) net.Conn {
	c, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readReply(t *testing.T, c net.Conn, want string) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(buf) != want {
		t.Fatalf("expected %q got %q", want, buf)
	}
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 16)
	_, err := c.Read(buf)
	if err == nil {
		t.Fatalf("expected closed connection")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatalf("connection was not closed: %v", err)
	}
}

func TestServerLoginAndSnapshot(t *testing.T) {
	s, st := startServer(t, &ServerConfig{WaitTimeout: 50 * time.Millisecond})
	c := dial(t, s)

	if _, err := c.Write([]byte(loginFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, c, loginReply)

	list, err := s.Connections(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(list) != 1 || list[0].Serial != 57045206556 || list[0].State != "claimed" || list[0].BytesOut != uint64(len(loginReply)) {
		t.Fatalf("unexpected snapshot %+v", list)
	}
	if st.count(store.CMD_CONN) != 1 || st.count(tk103.LOGIN) != 1 {
		t.Fatalf("unexpected records %v", st.commands())
	}

	c.Close()
	eventually(t, "close record", func() bool { return st.count(store.CMD_CLOS) == 1 })
	list, _ = s.Connections(context.Background())
	if len(list) != 0 {
		t.Fatalf("closed connection still registered %+v", list)
	}
}

func TestServerPartialFrames(t *testing.T) {
	s, _ := startServer(t, &ServerConfig{WaitTimeout: 50 * time.Millisecond, MaxPending: 1024})
	c := dial(t, s)

	half := len(loginFrame) / 2
	if _, err := c.Write([]byte("(garbage)" + loginFrame[:half])); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := c.Write([]byte(loginFrame[half:] + "(057045206556BP00357857045206556HSO1a4)")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, c, loginReply+"(057045206556AP01HSO)")
}

func TestServerDefaultPendingLimit(t *testing.T) {
	s, _ := startServer(t, &ServerConfig{WaitTimeout: 50 * time.Millisecond})
	if s.config.MaxPending != 1024 {
		t.Fatalf("expected default pending limit 1024, got %d", s.config.MaxPending)
	}
	c := dial(t, s)

	// an unterminated frame larger than the limit is discarded, so the
	// next frame is not glued to it.
	if _, err := c.Write([]byte("(" + strings.Repeat("x", 2000))); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := c.Write([]byte(loginFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, c, loginReply)
}

func TestServerDuplicateEviction(t *testing.T) {
	s, st := startServer(t, &ServerConfig{WaitTimeout: 50 * time.Millisecond})
	c1 := dial(t, s)
	if _, err := c1.Write([]byte(loginFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, c1, loginReply)

	c2 := dial(t, s)
	if _, err := c2.Write([]byte(loginFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, c2, loginReply)

	expectClosed(t, c1)
	eventually(t, "down record", func() bool { return st.count(store.CMD_DOWN) == 1 })

	if _, err := c2.Write([]byte(loginFrame)); err != nil {
		t.Fatalf("newer connection must stay open: %v", err)
	}
	readReply(t, c2, loginReply)
}

func TestServerIdleEviction(t *testing.T) {
	s, st := startServer(t, &ServerConfig{WaitTimeout: 20 * time.Millisecond, IdleTimeout: 100 * time.Millisecond})
	c := dial(t, s)
	expectClosed(t, c)
	eventually(t, "kill record", func() bool { return st.count(store.CMD_KILL) == 1 })
}

func TestServerTunnel(t *testing.T) {
	relay, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer relay.Close()

	sessions := make(chan *yamux.Session, 1)
	go func() {
		yconn, err := relay.Accept()
		if err != nil {
			return
		}
		token := make([]byte, 20)
		n, err := yconn.Read(token)
		if err != nil || string(token[:n]) != "secret" {
			_, _ = yconn.Write([]byte{'-'})
			yconn.Close()
			return
		}
		_, _ = yconn.Write([]byte{'+'})
		session, err := yamux.Server(yconn, nil)
		if err != nil {
			return
		}
		sessions <- session
	}()

	startServer(t, &ServerConfig{WaitTimeout: 50 * time.Millisecond, TunnelAddr: relay.Addr().String(), TunnelToken: "secret"})

	var session *yamux.Session
	select {
	case session = <-sessions:
	case <-time.After(3 * time.Second):
		t.Fatalf("tunnel not established")
	}
	defer session.Close()

	stream, err := session.OpenStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()
	if _, err := stream.Write([]byte("192.0.2.10:5000\n" + loginFrame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = stream.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := bufio.NewReader(stream).ReadString(')')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply != loginReply {
		t.Fatalf("unexpected reply %q", reply)
	}
}
