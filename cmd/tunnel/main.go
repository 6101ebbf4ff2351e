package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	yamux "github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

// tunnel relays tracker connections accepted on a public address to a
// tk103server that dialled in over yamux. Each relayed stream starts with a
// line carrying the tracker's remote address.

var eaddr = flag.String("eaddr", ":5555", "address for external connection")
var taddr = flag.String("taddr", ":5556", "address for tunnel connection")
var secret = flag.String("token", "token", "token for tunnel auth connection")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file ")

type relay struct {
	log    log.Logger
	eaddr  string
	secret string
}

func main() {
	flag.Parse()
	r := &relay{eaddr: *eaddr, secret: *secret}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "tunnel").Value()
	r.log.Info().Msgf("using external addr %s and tunnel addr %s", *eaddr, *taddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ylistener net.Listener
	var err error
	if *certfile == "" && *keyfile == "" {
		r.log.Info().Msg("starting non-tls listener")
		ylistener, err = net.Listen("tcp", *taddr)
	} else {
		r.log.Info().Msg("starting tls listener")
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(*certfile, *keyfile)
		if err == nil {
			ylistener, err = tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
	}
	if err != nil {
		r.log.Fatal().Err(err).Msg("unable to listen for tunnel")
	}
	go func() {
		<-ctx.Done()
		ylistener.Close()
	}()

	for {
		yconn, err := ylistener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error().Err(err).Msg("tunnel accept failed")
			time.Sleep(time.Second)
			continue
		}
		r.log.Info().Str("remote_addr", yconn.RemoteAddr().String()).Msg("accepting tunnel connection")
		if err := r.serve(ctx, yconn); err != nil {
			r.log.Warn().Err(err).Msg("tunnel session ended")
		}
	}
}

// serve authenticates one server and relays external connections to it
// until the session or ctx ends. Only one session is served at a time.
func (r *relay) serve(ctx context.Context, yconn net.Conn) error {
	defer yconn.Close()
	token := make([]byte, 64)
	_ = yconn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := yconn.Read(token)
	if err != nil {
		return err
	}
	_ = yconn.SetReadDeadline(time.Time{})
	if r.secret != string(token[:n]) {
		_, _ = yconn.Write([]byte{'-'})
		return fmt.Errorf("invalid token from %s", yconn.RemoteAddr())
	}
	_, _ = yconn.Write([]byte{'+'})

	session, err := yamux.Server(yconn, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	listener, err := net.Listen("tcp", r.eaddr)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-session.CloseChan():
		}
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		r.log.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("new connection")
		go r.forward(session, conn)
	}
}

func (r *relay) forward(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		r.log.Error().Err(err).Msg("error trying to open stream")
		return
	}
	defer tstream.Close()
	if _, err := fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr()); err != nil {
		return
	}
	c := make(chan error, 1)
	go func() {
		_, err := io.Copy(tstream, conn)
		tstream.Close()
		c <- err
	}()
	if _, err := io.Copy(conn, tstream); err != nil {
		r.log.Debug().Err(err).Uint32("stream", tstream.StreamID()).Msg("stream copy ended")
	}
	conn.Close()
	<-c
}
