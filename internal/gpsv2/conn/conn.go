package conn

import (
	"bufio"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

type Conn struct {
	cid      uint64
	tuple    []string
	raddr    string
	created  time.Time
	byte_in  uint64
	byte_out uint64
	r        *bufio.Reader
	net.Conn
}

func NewConn(c net.Conn, cid uint64) *Conn {
	sourceip, sourceport, _ := net.SplitHostPort(addrString(c.RemoteAddr()))
	targetip, targetport, _ := net.SplitHostPort(addrString(c.LocalAddr()))

	return &Conn{
		cid:     cid,
		tuple:   []string{sourceip, sourceport, targetip, targetport},
		raddr:   addrString(c.RemoteAddr()),
		created: time.Now(),
		r:       bufio.NewReader(c),
		Conn:    c,
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// ReadHeaderLine consumes one newline terminated line ahead of the device
// stream. Tunnel streams carry the real remote address this way.
func (c *Conn) ReadHeaderLine() (string, error) {
	line, err := c.r.ReadString('\n')
	atomic.AddUint64(&c.byte_in, uint64(len(line)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// SetRemoteAddr overrides the address learned from the transport.
func (c *Conn) SetRemoteAddr(raddr string) {
	c.raddr = raddr
	if ip, port, err := net.SplitHostPort(raddr); err == nil {
		c.tuple[0] = ip
		c.tuple[1] = port
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) RemoteAddress() string {
	return c.raddr
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Strs("socket", c.tuple).Uint64("cid", c.cid)
}
