package segment

import (
	"sort"
	"time"

	"nuha.dev/tk103tracker/internal/geo"
	"nuha.dev/tk103tracker/internal/store"
)

// movement states, numbered after the consecutive readings that lead to them
type state int

const (
	Stopped  state = 0
	MayMove1 state = 1
	MayMove2 state = 2
	MayMove3 state = 3
	Moving   state = 4
	MayStop5 state = 5
	MayStop6 state = 6
	MayStop7 state = 7
)

// MinMoveSpeed is the speed in km/h above which a reading counts as motion.
const MinMoveSpeed = 1.0

type Trip struct {
	Start           store.Sample `json:"start"`
	End             store.Sample `json:"end"`
	DurationMinutes int          `json:"duration"`
	DistanceKm      float64      `json:"distance_km"`
	AvgSpeedKmh     float64      `json:"avg_speed_kmh"`
}

type Summary struct {
	Trips         []Trip  `json:"trips"`
	DistanceKm    float64 `json:"distance_km"`
	TotalMinutes  int     `json:"total_minutes"`
	MovingMinutes int     `json:"moving_minutes"`
}

// Minutes rounds a duration to whole minutes, 30 seconds and up round up.
func Minutes(d time.Duration) int {
	secs := int64(d / time.Second)
	m := secs / 60
	if secs%60 >= 30 {
		m++
	}
	return int(m)
}

// Dedup orders samples by device time and keeps the first of every group
// sharing a device time.
func Dedup(samples []store.Sample) []store.Sample {
	sorted := make([]store.Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DeviceTime.Before(sorted[j].DeviceTime) })
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s.DeviceTime.Equal(out[len(out)-1].DeviceTime) {
			continue
		}
		out = append(out, s)
	}
	return out
}

type segmenter struct {
	state     state
	start     *store.Sample
	end       *store.Sample
	lastClean *store.Sample
	distance  float64
	trips     []Trip
}

// Trips runs the movement state machine over the samples of one date. The
// samples must be ordered and de-duplicated.
func Trips(samples []store.Sample) Summary {
	sg := &segmenter{}
	for i := range samples {
		sg.step(&samples[i], i == 0)
	}
	if len(samples) > 0 && sg.state >= Moving {
		sg.closeTrip(&samples[len(samples)-1])
	}

	sum := Summary{Trips: sg.trips}
	if sum.Trips == nil {
		sum.Trips = []Trip{}
	}
	for _, t := range sum.Trips {
		sum.DistanceKm += t.DistanceKm
		sum.MovingMinutes += t.DurationMinutes
	}
	if n := len(sum.Trips); n > 0 {
		sum.TotalMinutes = Minutes(sum.Trips[n-1].End.DeviceTime.Sub(sum.Trips[0].Start.DeviceTime))
	}
	return sum
}

func (sg *segmenter) step(s *store.Sample, first bool) {
	if !first {
		sg.transition(s)
	}
	if s.ErrorCode != 0 {
		return
	}
	if sg.state != Stopped && sg.lastClean != nil {
		sg.distance += geo.Haversine(sg.lastClean.Latitude, sg.lastClean.Longitude, s.Latitude, s.Longitude)
	}
	sg.lastClean = s
}

func (sg *segmenter) transition(s *store.Sample) {
	switch sg.state {
	case Stopped:
		if s.Speed == 0 {
			sg.start = s
			sg.distance = 0
		} else if s.Speed > MinMoveSpeed {
			if sg.start == nil {
				sg.start = s
			}
			sg.state = MayMove1
		}
	case MayMove1, MayMove2, MayMove3:
		if s.Speed > MinMoveSpeed {
			sg.state++
		} else {
			sg.state = Stopped
		}
	case Moving:
		if s.Speed == 0 {
			sg.end = s
			sg.state = MayStop5
		}
	case MayStop5, MayStop6:
		if s.Speed == 0 {
			sg.state++
		} else {
			sg.state = Moving
		}
	case MayStop7:
		if s.Speed == 0 {
			sg.closeTrip(sg.end)
			sg.state = Stopped
			sg.start = s
			sg.distance = 0
		} else {
			sg.state = Moving
		}
	}
}

func (sg *segmenter) closeTrip(end *store.Sample) {
	if sg.start == nil || end == nil {
		return
	}
	d := end.DeviceTime.Sub(sg.start.DeviceTime)
	t := Trip{
		Start:           *sg.start,
		End:             *end,
		DurationMinutes: Minutes(d),
		DistanceKm:      sg.distance,
	}
	if secs := d.Seconds(); secs > 0 {
		t.AvgSpeedKmh = 3600 * sg.distance / secs
	}
	sg.trips = append(sg.trips, t)
}
