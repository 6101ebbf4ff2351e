package logstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/tk103tracker/internal/store"
)

// LogStore only logs samples. It backs the server when running without a
// database; queries always come back empty.
type LogStore struct {
	seq int64
	log log.Logger
}

func NewStore() *LogStore {
	l := &LogStore{}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) InsertSample(ctx context.Context, s *store.Sample) (int64, error) {
	s.Id = atomic.AddInt64(&l.seq, 1)
	l.log.Info().Int64("id", s.Id).Uint64("sn", s.Serial).Str("cmd", s.Command).Bool("valid", s.Valid).
		Float64("lat", s.Latitude).Float64("lon", s.Longitude).Float64("speed", s.Speed).
		Time("device_time", s.DeviceTime).Str("source", s.SourceAddress).Msg("sample")
	return s.Id, nil
}

func (l *LogStore) QuerySamples(ctx context.Context, serial uint64, date time.Time) ([]store.Sample, error) {
	return nil, nil
}

func (l *LogStore) AvailableDates(ctx context.Context, serial uint64) ([]store.DateSummary, error) {
	return nil, nil
}
