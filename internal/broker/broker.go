package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/tk103tracker/internal/event"
	"nuha.dev/tk103tracker/internal/store"
)

type BrokerConfig struct {
	Url     string
	Subject string
}

type publisher interface {
	Publish(subj string, data []byte) error
}

// Broker forwards bus events to NATS as JSON, one subject per device:
// <subject>.sample.<serial> and <subject>.lifecycle.<serial>.
type Broker struct {
	logger zerolog.Logger
	config BrokerConfig
	nc     *nats.Conn
	pub    publisher
}

func NewBroker(config *BrokerConfig) (*Broker, error) {
	br := newBroker(config)
	nc, err := nats.Connect(config.Url,
		nats.Name("tk103tracker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			br.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			br.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	br.nc = nc
	br.pub = nc
	return br, nil
}

func newBroker(config *BrokerConfig) *Broker {
	br := &Broker{}
	br.config = *config
	if br.config.Subject == "" {
		br.config.Subject = "tk103"
	}
	br.logger = log.With().Str("module", "broker").Logger()
	return br
}

func Subject(prefix string, topic string, serial uint64) string {
	kind := "sample"
	if topic == event.TOPIC_LIFECYCLE {
		kind = "lifecycle"
	}
	return prefix + "." + kind + "." + strconv.FormatUint(serial, 10)
}

// Handle is an event.Handler.
func (br *Broker) Handle(ctx context.Context, topic string, data interface{}) {
	var serial uint64
	switch v := data.(type) {
	case *store.Sample:
		serial = v.Serial
	case *event.Lifecycle:
		serial = v.Serial
	default:
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		br.logger.Err(err).Str("topic", topic).Msg("unable to encode event")
		return
	}
	subj := Subject(br.config.Subject, topic, serial)
	if err := br.pub.Publish(subj, payload); err != nil {
		br.logger.Err(err).Str("subject", subj).Msg("publish failed")
	}
}

func (br *Broker) Close() {
	if br.nc != nil {
		if err := br.nc.Drain(); err != nil {
			br.nc.Close()
		}
	}
}
