package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/tk103tracker/internal/segment"
	"nuha.dev/tk103tracker/internal/store"
)

var (
	ErrNoData      = errors.New("no data for device")
	ErrInvalidDate = errors.New("invalid date")
)

// DateEntry is one date with data. Moved is set when positions on that date
// spread wider than the movement threshold, and always for the newest date.
type DateEntry struct {
	Date  string `json:"value"`
	Moved bool   `json:"ismoved"`
}

// Day is the analysis of one device on one date.
type Day struct {
	segment.Summary
	Events      segment.Events `json:"events"`
	First       *store.Sample  `json:"firstone"`
	Last        *store.Sample  `json:"lastone"`
	SampleCount int            `json:"sample_count"`
}

type Report struct {
	Serial    uint64      `json:"serial"`
	Date      string      `json:"date"`
	FirstDate string      `json:"firstdate"`
	LastDate  string      `json:"lastdate"`
	Dates     []DateEntry `json:"alldates"`
	Day
	Age int64 `json:"age"`
}

type Config struct {
	Location       *time.Location
	MinMoveDegrees float64
	// CacheTimeout bounds every cache invalidation.
	CacheTimeout time.Duration
}

type Service struct {
	log     log.Logger
	store   store.LocationStore
	cache   *Cache
	config  *Config
	now     func() time.Time
	pending chan *store.Sample
}

// NewService builds reports from the store. cache may be nil.
func NewService(st store.LocationStore, cache *Cache, config *Config) *Service {
	s := &Service{store: st, cache: cache, config: config, now: time.Now}
	if s.config.Location == nil {
		s.config.Location = time.UTC
	}
	if s.config.MinMoveDegrees <= 0 {
		s.config.MinMoveDegrees = 0.01
	}
	if s.config.CacheTimeout <= 0 {
		s.config.CacheTimeout = 500 * time.Millisecond
	}
	s.pending = make(chan *store.Sample, 256)
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "report").Value()
	return s
}

func (s *Service) Dates(ctx context.Context, serial uint64) ([]DateEntry, error) {
	summaries, err := s.store.AvailableDates(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("available dates: %w", err)
	}
	dates := make([]DateEntry, 0, len(summaries))
	for i, d := range summaries {
		dates = append(dates, DateEntry{
			Date:  d.Date,
			Moved: i == 0 || d.LatSpread+d.LonSpread > s.config.MinMoveDegrees,
		})
	}
	return dates, nil
}

// Build assembles the report of one device for date (YYYY-MM-DD). An empty
// date selects the most recent date with data.
func (s *Service) Build(ctx context.Context, serial uint64, date string) (*Report, error) {
	dates, err := s.Dates(ctx, serial)
	if err != nil {
		return nil, err
	}
	now := s.now().In(s.config.Location)
	today := now.Format(store.DateLayout)

	r := &Report{Serial: serial, Dates: dates, FirstDate: today, LastDate: today}
	if len(dates) > 0 {
		r.LastDate = dates[0].Date
		r.FirstDate = dates[len(dates)-1].Date
	}
	if date == "" {
		if len(dates) == 0 {
			return nil, ErrNoData
		}
		date = dates[0].Date
	}
	day, err := time.ParseInLocation(store.DateLayout, date, s.config.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDate, date)
	}
	r.Date = date

	d, err := s.day(ctx, serial, day, date < today)
	if err != nil {
		return nil, err
	}
	r.Day = *d
	if d.Last != nil {
		r.Age = int64(now.Sub(d.Last.ReceivedAt) / time.Second)
	}
	return r, nil
}

func (s *Service) day(ctx context.Context, serial uint64, day time.Time, cacheable bool) (*Day, error) {
	date := day.Format(store.DateLayout)
	if cacheable && s.cache != nil {
		d, err := s.cache.Get(ctx, serial, date)
		if err != nil {
			s.log.Warn().Err(err).Uint64("sn", serial).Str("date", date).Msg("report cache read failed")
		} else if d != nil {
			return d, nil
		}
	}

	samples, err := s.store.QuerySamples(ctx, serial, day)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	d := Analyze(samples)

	if cacheable && s.cache != nil {
		if err := s.cache.Set(ctx, serial, date, d); err != nil {
			s.log.Warn().Err(err).Uint64("sn", serial).Str("date", date).Msg("report cache write failed")
		}
	}
	return d, nil
}

// Analyze runs trip segmentation and event detection over the samples of
// one date.
func Analyze(samples []store.Sample) *Day {
	samples = segment.Dedup(samples)
	d := &Day{
		Summary:     segment.Trips(samples),
		Events:      segment.DetectEvents(samples),
		SampleCount: len(samples),
	}
	if n := len(samples); n > 0 {
		first, last := samples[0], samples[n-1]
		d.First = &first
		d.Last = &last
	}
	return d
}

// cachedDate returns the date of sample when that day may sit in the
// cache, which only holds days before today.
func (s *Service) cachedDate(sample *store.Sample) (string, bool) {
	if s.cache == nil || !sample.Valid {
		return "", false
	}
	date := sample.DeviceTime.In(s.config.Location).Format(store.DateLayout)
	today := s.now().In(s.config.Location).Format(store.DateLayout)
	return date, date < today
}

// Invalidate drops the cached day a late sample belongs to.
func (s *Service) Invalidate(ctx context.Context, sample *store.Sample) {
	date, ok := s.cachedDate(sample)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.CacheTimeout)
	defer cancel()
	if err := s.cache.Invalidate(ctx, sample.Serial, date); err != nil {
		s.log.Warn().Err(err).Uint64("sn", sample.Serial).Str("date", date).Msg("report cache invalidate failed")
	}
}

// Handle is an event.Handler queueing late samples for RunInvalidator. It
// never blocks the publisher; with a full queue the sample is dropped and the
// stale day lives until the cache ttl.
func (s *Service) Handle(ctx context.Context, topic string, data interface{}) {
	sample, ok := data.(*store.Sample)
	if !ok {
		return
	}
	if _, ok := s.cachedDate(sample); !ok {
		return
	}
	select {
	case s.pending <- sample:
	default:
		s.log.Warn().Uint64("sn", sample.Serial).Msg("report invalidation queue full")
	}
}

// RunInvalidator applies queued invalidations until ctx is cancelled.
func (s *Service) RunInvalidator(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample := <-s.pending:
			s.Invalidate(ctx, sample)
		}
	}
}
