package event

import (
	"context"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
)

const (
	TOPIC_SAMPLE    string = "tk103.sample"
	TOPIC_LIFECYCLE string = "tk103.lifecycle"
)

// 2019-01-01 UTC in milliseconds, monoton epoch for event ids
const epochMillis uint64 = 1546300800000

// Lifecycle describes a connection state change. Kind is one of the
// store.CMD_* lifecycle codes.
type Lifecycle struct {
	Kind       string    `json:"kind"`
	Cid        uint64    `json:"cid"`
	Serial     uint64    `json:"serial,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	Time       time.Time `json:"time"`
	Reason     string    `json:"reason,omitempty"`
}

func (l *Lifecycle) MarshalObject(e *log.Entry) {
	e.Str("kind", l.Kind).Uint64("cid", l.Cid).Uint64("sn", l.Serial).Str("remote_addr", l.RemoteAddr)
}

type Handler func(ctx context.Context, topic string, data interface{})

// Bus is a thin wrapper over the in-process event bus. Handlers run on the
// emitting goroutine and must not block.
type Bus struct {
	b      *bus.Bus
	source string
	log    log.Logger
}

func NewBus(node uint64, source string) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, epochMillis)
	if err != nil {
		return nil, err
	}
	var idGenerator bus.Next = m.Next
	b, err := bus.NewBus(idGenerator)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TOPIC_SAMPLE, TOPIC_LIFECYCLE)

	eb := &Bus{b: b, source: source}
	eb.log = log.DefaultLogger
	eb.log.Context = log.NewContext(nil).Str("module", "event").Value()
	return eb, nil
}

func (eb *Bus) Publish(ctx context.Context, topic string, data interface{}) {
	ctx = context.WithValue(ctx, bus.CtxKeySource, eb.source)
	if err := eb.b.Emit(ctx, topic, data); err != nil {
		eb.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}

// Subscribe registers fn under key for topics matching the regular expression.
func (eb *Bus) Subscribe(key string, matcher string, fn Handler) {
	eb.b.RegisterHandler(key, bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			fn(ctx, e.Topic, e.Data)
		},
		Matcher: matcher,
	})
}

func (eb *Bus) Unsubscribe(key string) {
	eb.b.DeregisterHandler(key)
}
