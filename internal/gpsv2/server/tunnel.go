package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"nuha.dev/tk103tracker/internal/gpsv2/conn"
)

var errTunnelRejected = errors.New("tunnel rejected")

// runMuxListener dials the tunnel relay and serves every yamux stream it
// opens as a tracker connection. Each stream starts with one line carrying
// the remote address of the tracker on the relay side.
func (s *Server) runMuxListener(ctx context.Context) {
	for {
		t0 := time.Now()
		err := s.runTunnel(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Str("event", TRANSPORT_ERROR).Str("tunnel", s.config.TunnelAddr).Msg("tunnel session ended")
		wait := 5 * time.Second
		if time.Since(t0) > 10*time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) runTunnel(ctx context.Context) error {
	s.log.Info().Msgf("dialling tunnel %s", s.config.TunnelAddr)
	var d net.Dialer
	yconn, err := d.DialContext(ctx, "tcp", s.config.TunnelAddr)
	if err != nil {
		return err
	}
	if _, err = yconn.Write([]byte(s.config.TunnelToken)); err != nil {
		yconn.Close()
		return err
	}
	status := []byte{0}
	if _, err = yconn.Read(status); err != nil {
		yconn.Close()
		return err
	}
	if status[0] != '+' {
		yconn.Close()
		return errTunnelRejected
	}
	s.log.Info().Msg("yamux tunnel accepted")

	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return err
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		session.Close()
	}()
	for {
		tconn, err := session.Accept()
		if err != nil {
			return err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			tconn.Close()
			return err
		}
		c := conn.NewConn(tconn, s.nextCid())
		go func() {
			_ = c.SetReadDeadline(time.Now().Add(s.config.WriteTimeout * 5))
			raddr, err := c.ReadHeaderLine()
			if err != nil {
				s.log.Warn().Err(err).Str("event", TRANSPORT_ERROR).EmbedObject(c).Msg("missing tunnel header")
				c.Close()
				return
			}
			_ = c.SetReadDeadline(time.Time{})
			c.SetRemoteAddr(raddr)
			s.hand(ctx, c)
		}()
	}
}
