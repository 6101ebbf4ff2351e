package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/tk103tracker/internal/store"
)

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Store struct {
	config *StoreConfig
	db     DB
	log    log.Logger
	table  string
}

type StoreConfig struct {
	Location     *time.Location
	Retries      int
	RetryBackoff time.Duration
}

const Schema = `CREATE TABLE IF NOT EXISTS %[1]s (
	id          BIGSERIAL PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL,
	device_time TIMESTAMPTZ NOT NULL,
	serial      BIGINT NOT NULL,
	cmd         CHAR(4) NOT NULL DEFAULT '',
	err         INT NOT NULL DEFAULT 0,
	valid       BOOLEAN NOT NULL,
	latitude    DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude   DOUBLE PRECISION NOT NULL DEFAULT 0,
	heading     DOUBLE PRECISION NOT NULL DEFAULT 0,
	speed       NUMERIC(10,1) NOT NULL DEFAULT 0,
	status      BIGINT NOT NULL DEFAULT 0,
	odometer    BIGINT NOT NULL DEFAULT 0,
	source_addr TEXT NOT NULL DEFAULT '',
	conn_id     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %[1]s_serial_valid_time ON %[1]s (serial, valid, device_time);`

const sampleColumns = `id,received_at,device_time,serial,cmd,err,valid,latitude,longitude,heading,speed::float8,status,odometer,source_addr,conn_id`

func NewStore(db DB, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	if o.config.Location == nil {
		o.config.Location = time.UTC
	}
	o.table = table
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return o
}

func (st *Store) Migrate(ctx context.Context) error {
	_, err := st.db.Exec(ctx, fmt.Sprintf(Schema, pgx.Identifier{st.table}.Sanitize()))
	return err
}

// Retryable reports whether a failed statement may succeed when repeated.
func Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgErr.Code == pgerrcode.AdminShutdown ||
			pgErr.Code == pgerrcode.CannotConnectNow
	}
	return pgconn.Timeout(err)
}

func (st *Store) InsertSample(ctx context.Context, s *store.Sample) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (received_at,device_time,serial,cmd,err,valid,latitude,longitude,heading,speed,status,odometer,source_addr,conn_id) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`, pgx.Identifier{st.table}.Sanitize())
	var id int64
	var err error
	backoff := st.config.RetryBackoff
	for attempt := 0; attempt <= st.config.Retries; attempt++ {
		if attempt > 0 {
			st.log.Debug().Err(err).Int("attempt", attempt).Uint64("sn", s.Serial).Msg("retrying insert")
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = backoff * 2
		}
		err = st.db.QueryRow(ctx, query, s.ReceivedAt, s.DeviceTime, int64(s.Serial), s.Command, s.ErrorCode, s.Valid,
			s.Latitude, s.Longitude, s.Heading, s.Speed, int64(s.Status), int64(s.Odometer), s.SourceAddress, int64(s.ConnId)).Scan(&id)
		if err == nil {
			s.Id = id
			return id, nil
		}
		if !Retryable(err) {
			break
		}
	}
	return 0, fmt.Errorf("insert sample: %w", err)
}

func (st *Store) QuerySamples(ctx context.Context, serial uint64, date time.Time) ([]store.Sample, error) {
	y, m, d := date.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, st.config.Location)
	to := from.AddDate(0, 0, 1)
	query := fmt.Sprintf(`SELECT DISTINCT ON (device_time) %s FROM %s WHERE serial = $1 AND valid AND cmd <> 'BP05' AND device_time >= $2 AND device_time < $3 ORDER BY device_time ASC, id ASC`,
		sampleColumns, pgx.Identifier{st.table}.Sanitize())
	rows, err := st.db.Query(ctx, query, int64(serial), from, to)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	samples := make([]store.Sample, 0, 256)
	for rows.Next() {
		var s store.Sample
		var sn, status, odometer, cid int64
		err := rows.Scan(&s.Id, &s.ReceivedAt, &s.DeviceTime, &sn, &s.Command, &s.ErrorCode, &s.Valid,
			&s.Latitude, &s.Longitude, &s.Heading, &s.Speed, &status, &odometer, &s.SourceAddress, &cid)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		s.Serial = uint64(sn)
		s.Status = uint64(status)
		s.Odometer = uint64(odometer)
		s.ConnId = uint64(cid)
		s.DeviceTime = s.DeviceTime.In(st.config.Location)
		s.ReceivedAt = s.ReceivedAt.In(st.config.Location)
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	return samples, nil
}

func (st *Store) AvailableDates(ctx context.Context, serial uint64) ([]store.DateSummary, error) {
	query := fmt.Sprintf(`SELECT to_char(device_time AT TIME ZONE $2, 'YYYY-MM-DD') AS day, max(latitude)-min(latitude), max(longitude)-min(longitude), count(*) FROM %s WHERE serial = $1 AND valid AND cmd <> 'BP05' GROUP BY day ORDER BY day DESC`,
		pgx.Identifier{st.table}.Sanitize())
	rows, err := st.db.Query(ctx, query, int64(serial), st.config.Location.String())
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer rows.Close()

	dates := make([]store.DateSummary, 0)
	for rows.Next() {
		var d store.DateSummary
		if err := rows.Scan(&d.Date, &d.LatSpread, &d.LonSpread, &d.SampleCount); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	return dates, nil
}
