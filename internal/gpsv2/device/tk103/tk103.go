package tk103

import (
	"context"
	"errors"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/tk103tracker/internal/event"
	"nuha.dev/tk103tracker/internal/store"
)

// device to server
const (
	HANDSHAKE string = "BP00"
	VERSION   string = "BP01"
	ANSWER    string = "BP04"
	LOGIN     string = "BP05"
	ALARM     string = "BO01"
	ALARM_OFS string = "BO02"
	FEEDBACK  string = "BR00"
	CONTINUE  string = "BR01"
	END_CONT  string = "BR02"
)

// server to device
const (
	HANDSHAKE_ACK string = "AP01"
	LOGIN_ACK     string = "AP05"
	ALARM_ACK     string = "AS01"

	HANDSHAKE_ARG string = "HSO"
)

const (
	UNKNOWN_COMMAND string = "unknown_command"
	STORE_ERROR     string = "store_error"
	ALARM_RECEIVED  string = "alarm"
)

var ErrUnknownCommand = errors.New("unknown command")

// Publisher receives stored samples and lifecycle records.
type Publisher interface {
	Publish(ctx context.Context, topic string, data interface{})
}

// Meta is what the connection layer knows about a frame.
type Meta struct {
	Cid        uint64
	RemoteAddr string
	ReceivedAt time.Time
}

type HandlerConfig struct {
	StoreTimeout time.Duration
}

type Handler struct {
	log    log.Logger
	store  store.LocationStore
	pub    Publisher
	clock  *Clock
	config *HandlerConfig
}

func NewHandler(st store.LocationStore, pub Publisher, clock *Clock, config *HandlerConfig) *Handler {
	h := &Handler{store: st, pub: pub, clock: clock, config: config}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "tk103").Value()
	if h.config.StoreTimeout <= 0 {
		h.config.StoreTimeout = 5 * time.Second
	}
	return h
}

func (h *Handler) Clock() *Clock {
	return h.clock
}

// Handle persists the frame when it carries a fix and returns the reply
// frame, nil when the command expects none.
func (h *Handler) Handle(ctx context.Context, f *Frame, m *Meta) []byte {
	fix, err := ParseFix(f.Body)
	havegps := err == nil

	switch f.Command {
	case LOGIN:
		h.persist(ctx, f, &fix, havegps, m)
		return NewFrame(f.SerialText, LOGIN_ACK, "")
	case HANDSHAKE:
		h.persist(ctx, f, &fix, havegps, m)
		return NewFrame(f.SerialText, HANDSHAKE_ACK, HANDSHAKE_ARG)
	case ALARM:
		h.persist(ctx, f, &fix, havegps, m)
		alm := "0"
		if havegps {
			alm = fix.AlarmCode()
		}
		h.log.Info().Str("event", ALARM_RECEIVED).Str("sn", f.SerialText).Str("cmd", f.Command).Str("code", alm).Msg("")
		return NewFrame(f.SerialText, ALARM_ACK, alm)
	case ALARM_OFS:
		h.persist(ctx, f, &fix, havegps, m)
		alm := "0"
		if havegps {
			alm = fix.AlarmCode()
		}
		h.log.Info().Str("event", ALARM_RECEIVED).Str("sn", f.SerialText).Str("cmd", f.Command).Str("code", alm).Msg("")
		return nil
	case VERSION, ANSWER, FEEDBACK, CONTINUE, END_CONT:
		h.persist(ctx, f, &fix, havegps, m)
		return nil
	default:
		h.log.Warn().Err(ErrUnknownCommand).Str("event", UNKNOWN_COMMAND).Str("sn", f.SerialText).Str("cmd", f.Command).Uint64("cid", m.Cid).Msg("")
		return nil
	}
}

// Sample builds the persisted form of a decoded fix.
func (h *Handler) Sample(f *Frame, fix *Fix, m *Meta) (*store.Sample, error) {
	gmt, err := fix.UTC()
	if err != nil {
		return nil, err
	}
	return &store.Sample{
		ReceivedAt:    m.ReceivedAt,
		DeviceTime:    h.clock.DeviceTime(gmt),
		Serial:        f.Serial,
		Command:       f.Command,
		ErrorCode:     fix.ErrorCode(),
		Valid:         true,
		Latitude:      fix.Latitude,
		Longitude:     fix.Longitude,
		Heading:       fix.Heading,
		Speed:         fix.Speed,
		Status:        fix.Status,
		Odometer:      fix.Distance,
		SourceAddress: m.RemoteAddr,
		ConnId:        m.Cid,
	}, nil
}

func (h *Handler) persist(ctx context.Context, f *Frame, fix *Fix, havegps bool, m *Meta) {
	if !havegps {
		return
	}
	s, err := h.Sample(f, fix, m)
	if err != nil {
		h.log.Warn().Err(err).Str("sn", f.SerialText).Msg("unusable fix time")
		return
	}
	if err := h.insert(ctx, s); err != nil {
		return
	}
	if h.pub != nil {
		h.pub.Publish(ctx, event.TOPIC_SAMPLE, s)
	}
}

// RecordLifecycle stores a connection state change as an invalid sample.
func (h *Handler) RecordLifecycle(ctx context.Context, l *event.Lifecycle) {
	s := &store.Sample{
		ReceivedAt:    l.Time,
		DeviceTime:    l.Time,
		Serial:        l.Serial,
		Command:       l.Kind,
		Valid:         false,
		SourceAddress: l.RemoteAddr,
		ConnId:        l.Cid,
	}
	_ = h.insert(ctx, s)
	if h.pub != nil {
		h.pub.Publish(ctx, event.TOPIC_LIFECYCLE, l)
	}
}

func (h *Handler) insert(ctx context.Context, s *store.Sample) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.StoreTimeout)
	defer cancel()
	_, err := h.store.InsertSample(ctx, s)
	if err != nil {
		h.log.Error().Err(err).Str("event", STORE_ERROR).Uint64("sn", s.Serial).Str("cmd", s.Command).Uint64("cid", s.ConnId).Msg("")
	}
	return err
}
