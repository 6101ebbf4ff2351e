package store

import (
	"context"
	"time"
)

// Lifecycle command codes stored with invalid samples.
const (
	CMD_BOOT = "BOOT"
	CMD_CONN = "CONN"
	CMD_DOWN = "DOWN"
	CMD_KILL = "KILL"
	CMD_CLOS = "CLOS"
	CMD_FAIL = "FAIL"
)

const DateLayout = "2006-01-02"

// Sample is one persisted device report. Samples written for connection
// lifecycle logging have Valid == false and are never analyzed.
type Sample struct {
	Id            int64     `json:"id"`
	ReceivedAt    time.Time `json:"received_at"`
	DeviceTime    time.Time `json:"device_time"`
	Serial        uint64    `json:"serial"`
	Command       string    `json:"cmd"`
	ErrorCode     int       `json:"err"`
	Valid         bool      `json:"valid"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Heading       float64   `json:"heading"`
	Speed         float64   `json:"speed"`
	Status        uint64    `json:"status"`
	Odometer      uint64    `json:"odometer"`
	SourceAddress string    `json:"source_address"`
	ConnId        uint64    `json:"conn_id"`
}

// PowerLost reports the power-lost bit. Status keeps the decimal reading of
// the device bit pattern, so "10000000" is bit 7.
func (s *Sample) PowerLost() bool {
	return s.Status/10000000 > 0
}

// MotorStarted reports the ACC bit (bit 6).
func (s *Sample) MotorStarted() bool {
	return (s.Status/1000000)%10 > 0
}

func (s *Sample) ShockAlarm() bool {
	return s.ErrorCode == 7
}

func (s *Sample) Charging() bool {
	return s.ErrorCode == 2
}

// DateSummary is one calendar date for which a device has analyzable data.
type DateSummary struct {
	Date        string  `json:"date"`
	LatSpread   float64 `json:"lat_spread"`
	LonSpread   float64 `json:"lon_spread"`
	SampleCount int     `json:"sample_count"`
}

type LocationStore interface {
	InsertSample(ctx context.Context, s *Sample) (int64, error)
	// QuerySamples returns the valid, analyzable samples of one device for one
	// calendar date, ordered by device time with duplicates collapsed.
	QuerySamples(ctx context.Context, serial uint64, date time.Time) ([]Sample, error)
	// AvailableDates lists dates with data, newest first.
	AvailableDates(ctx context.Context, serial uint64) ([]DateSummary, error)
}
