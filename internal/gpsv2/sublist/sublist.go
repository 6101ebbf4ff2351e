package sublist

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"sync"

	"nuha.dev/tk103tracker/internal/event"
	"nuha.dev/tk103tracker/internal/store"
)

const (
	TYPE_LOCATION byte = 0x00
	TYPE_EVENT    byte = 0x01

	locationLen = 49
)

type Subscriber interface {
	// Push hands data to the subscriber, returning true once it is closed.
	Push(sender uint64, d []byte) bool
}

// SublistMap holds the subscribers of every device keyed by serial.
type SublistMap struct {
	mu   sync.Mutex
	list map[uint64]*Sublist
}

type Sublist struct {
	key        uint64
	mu         sync.Mutex
	list       map[Subscriber]bool
	data       []byte
	event_data []byte
}

func NewSublistMap() *SublistMap {
	return &SublistMap{list: map[uint64]*Sublist{}}
}

func (s *SublistMap) GetSublist(key uint64, create bool) (*Sublist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	l = &Sublist{key: key, list: make(map[Subscriber]bool)}
	s.list[key] = l
	return l, true
}

// Handle is an event.Handler fanning stored samples and lifecycle records
// out to the subscribers of the device.
func (s *SublistMap) Handle(ctx context.Context, topic string, data interface{}) {
	switch v := data.(type) {
	case *store.Sample:
		if l, ok := s.GetSublist(v.Serial, false); ok {
			l.SendLocation(v)
		}
	case *event.Lifecycle:
		if v.Serial == 0 {
			return
		}
		if l, ok := s.GetSublist(v.Serial, false); ok {
			l.SendEvent(v)
		}
	}
}

// Subscribe adds sub and replays the last known location and event.
func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	if s.data != nil {
		sub.Push(s.key, s.data)
	}
	if s.event_data != nil {
		sub.Push(s.key, s.event_data)
	}
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *Sublist) SendLocation(sample *store.Sample) {
	d := EncodeLocation(sample)
	s.mu.Lock()
	s.data = d
	s.send(d)
	s.mu.Unlock()
}

func (s *Sublist) SendEvent(l *event.Lifecycle) {
	d := EncodeEvent(l)
	s.mu.Lock()
	s.event_data = d
	s.send(d)
	s.mu.Unlock()
}

func (s *Sublist) send(d []byte) {
	for sub := range s.list {
		closed := sub.Push(s.key, d)
		if closed {
			delete(s.list, sub)
		}
	}
}

// EncodeLocation packs a sample little endian:
// type(1) serial(8) lat(8) lon(8) speed(4) heading(4) device_time_ms(8) received_ms(8)
func EncodeLocation(sample *store.Sample) []byte {
	buf := make([]byte, locationLen)
	buf[0] = TYPE_LOCATION
	binary.LittleEndian.PutUint64(buf[1:], sample.Serial)
	binary.LittleEndian.PutUint64(buf[9:], math.Float64bits(sample.Latitude))
	binary.LittleEndian.PutUint64(buf[17:], math.Float64bits(sample.Longitude))
	binary.LittleEndian.PutUint32(buf[25:], math.Float32bits(float32(sample.Speed)))
	binary.LittleEndian.PutUint32(buf[29:], math.Float32bits(float32(sample.Heading)))
	binary.LittleEndian.PutUint64(buf[33:], uint64(sample.DeviceTime.UnixMilli()))
	binary.LittleEndian.PutUint64(buf[41:], uint64(sample.ReceivedAt.UnixMilli()))
	return buf
}

// EncodeEvent is TYPE_EVENT followed by the JSON record.
func EncodeEvent(l *event.Lifecycle) []byte {
	msg, _ := json.Marshal(l)
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, TYPE_EVENT)
	return append(buf, msg...)
}
