package segment

import "nuha.dev/tk103tracker/internal/store"

type Interval struct {
	Start           store.Sample `json:"start"`
	End             store.Sample `json:"end"`
	DurationMinutes int          `json:"duration"`
}

// Detector is the state of one on/off predicate. The zero value is Off.
type Detector struct {
	active *store.Sample
}

func (d Detector) On() bool {
	return d.active != nil
}

// Step advances the detector by one sample and returns the interval that
// closed on it, if any.
func (d Detector) Step(on bool, s *store.Sample) (Detector, *Interval) {
	switch {
	case on && d.active == nil:
		return Detector{active: s}, nil
	case !on && d.active != nil:
		return Detector{}, newInterval(d.active, s)
	}
	return d, nil
}

// Close ends an interval still open after the last sample.
func (d Detector) Close(last *store.Sample) (Detector, *Interval) {
	return d.Step(false, last)
}

func newInterval(start, end *store.Sample) *Interval {
	return &Interval{Start: *start, End: *end, DurationMinutes: Minutes(end.DeviceTime.Sub(start.DeviceTime))}
}

type Predicate func(s *store.Sample) bool

// Intervals runs one predicate over the ordered samples of a date.
func Intervals(samples []store.Sample, pred Predicate) []Interval {
	out := []Interval{}
	d := Detector{}
	var iv *Interval
	for i := range samples {
		d, iv = d.Step(pred(&samples[i]), &samples[i])
		if iv != nil {
			out = append(out, *iv)
		}
	}
	if len(samples) > 0 {
		if _, iv = d.Close(&samples[len(samples)-1]); iv != nil {
			out = append(out, *iv)
		}
	}
	return out
}

type Events struct {
	Power  []Interval `json:"power"`
	Motor  []Interval `json:"motor"`
	Shock  []Interval `json:"shock"`
	Charge []Interval `json:"charge"`
}

func DetectEvents(samples []store.Sample) Events {
	return Events{
		Power:  Intervals(samples, (*store.Sample).PowerLost),
		Motor:  Intervals(samples, (*store.Sample).MotorStarted),
		Shock:  Intervals(samples, (*store.Sample).ShockAlarm),
		Charge: Intervals(samples, (*store.Sample).Charging),
	}
}
