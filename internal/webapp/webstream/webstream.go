package webstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/tk103tracker/internal/gpsv2/sublist"
	"nuha.dev/tk103tracker/internal/util"
	"nuha.dev/tk103tracker/internal/webapp/common"
)

const (
	CAddSub string = "ADDSUB"
	CDelSub string = "DELSUB"
)

type WebStreamConfig struct {
	ListenAddr string
	// KeyHash is the bcrypt hash of the key expected as the first message.
	KeyHash          string
	MaxSubscriptions int
	LoginTimeout     time.Duration
}

type WebstreamServer struct {
	server     *http.Server
	log        log.Logger
	config     WebStreamConfig
	ids        *common.DeviceIds
	sublistmap *sublist.SublistMap
}

func NewWebstream(sublistmap *sublist.SublistMap, ids *common.DeviceIds, config WebStreamConfig) *WebstreamServer {
	if config.MaxSubscriptions <= 0 {
		config.MaxSubscriptions = 16
	}
	if config.LoginTimeout <= 0 {
		config.LoginTimeout = 5 * time.Second
	}
	o := &WebstreamServer{config: config}
	o.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        http.HandlerFunc(o.serve_http),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	o.ids = ids
	o.sublistmap = sublistmap
	return o
}

func (ws *WebstreamServer) Handler() http.Handler {
	return ws.server.Handler
}

// Run serves until ctx is cancelled.
func (ws *WebstreamServer) Run(ctx context.Context) error {
	ws.log.Info().Msgf("starting ws-server on : %s", ws.server.Addr)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ws.server.Shutdown(sctx)
	}()
	err := ws.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		ws.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func (ws *WebstreamServer) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("Error while upgrading websocket")
		return
	}
	readCtx, cancel := context.WithTimeout(r.Context(), ws.config.LoginTimeout)
	_, msg, err := c.Read(readCtx)
	cancel()
	if err != nil {
		ws.log.Error().Err(err).Msg("Error while reading api key")
		c.Close(websocket.StatusPolicyViolation, "missing key")
		return
	}
	if !util.CheckKey(ws.config.KeyHash, string(msg)) {
		ws.log.Info().Str("remote_addr", r.RemoteAddr).Msg("invalid websocket key")
		c.Close(websocket.StatusPolicyViolation, "invalid key")
		return
	}

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	wc := &WebstreamClient{srv: ws, c: c, log: ws.log}
	wc.out = make(chan []byte, 64)
	wc.done = make(chan struct{})
	wc.sublist = make(map[uint64]*sublist.Sublist)
	go wc.writeLoop(ctx)
	err = wc.readLoop(ctx)
	wc.close()
	ws.log.Info().Err(err).Str("remote_addr", r.RemoteAddr).Uint64("pushed", atomic.LoadUint64(&wc.pushed)).Uint64("skipped", atomic.LoadUint64(&wc.skipped)).Msg("websocket closed")
}

// WebstreamClient is one websocket subscriber. Only the read loop touches
// sublist; Push may be called from any goroutine.
type WebstreamClient struct {
	srv     *WebstreamServer
	c       *websocket.Conn
	log     log.Logger
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	pushed  uint64
	skipped uint64
	sublist map[uint64]*sublist.Sublist
}

var errTooManySubscriptions = errors.New("too many subscription")

func (wc *WebstreamClient) readLoop(ctx context.Context) error {
	for {
		_, msg, err := wc.c.Read(ctx)
		if err != nil {
			return err
		}
		cmd, args, _ := strings.Cut(string(msg), " ")
		switch cmd {
		case CAddSub:
			for _, id := range strings.Split(args, ",") {
				serial, err := wc.srv.ids.Decode(strings.TrimSpace(id))
				if err != nil {
					wc.log.Warn().Str("device_id", id).Msg("invalid sub id")
					continue
				}
				if _, ok := wc.sublist[serial]; ok {
					continue
				}
				if len(wc.sublist) >= wc.srv.config.MaxSubscriptions {
					wc.c.Close(websocket.StatusPolicyViolation, errTooManySubscriptions.Error())
					return errTooManySubscriptions
				}
				slist, _ := wc.srv.sublistmap.GetSublist(serial, true)
				slist.Subscribe(wc)
				wc.sublist[serial] = slist
				wc.log.Trace().Uint64("sn", serial).Msg("subscribing")
			}
		case CDelSub:
			for _, id := range strings.Split(args, ",") {
				serial, err := wc.srv.ids.Decode(strings.TrimSpace(id))
				if err != nil {
					continue
				}
				if slist, ok := wc.sublist[serial]; ok {
					slist.Unsubscribe(wc)
					delete(wc.sublist, serial)
					wc.log.Trace().Uint64("sn", serial).Msg("unsubscribing")
				}
			}
		default:
			wc.log.Debug().Str("cmd", cmd).Msg("unknown websocket command")
		}
	}
}

func (wc *WebstreamClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wc.done:
			return
		case d := <-wc.out:
			err := wc.c.Write(ctx, websocket.MessageBinary, d)
			if err != nil {
				wc.log.Error().Err(err).Msg("Error while writing to connection")
				wc.c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (wc *WebstreamClient) close() {
	wc.once.Do(func() {
		close(wc.done)
		for serial, slist := range wc.sublist {
			slist.Unsubscribe(wc)
			delete(wc.sublist, serial)
		}
	})
}

// Push queues d without blocking; a full queue drops the message.
func (wc *WebstreamClient) Push(sender uint64, d []byte) bool {
	select {
	case <-wc.done:
		return true
	default:
	}
	select {
	case wc.out <- d:
		atomic.AddUint64(&wc.pushed, 1)
	default:
		atomic.AddUint64(&wc.skipped, 1)
	}
	return false
}
