package tk103

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"nuha.dev/tk103tracker/internal/geo"
)

const (
	frameStart byte = '('
	frameEnd   byte = ')'

	serialLen  = 12
	commandLen = 4

	dateLen    = 6
	timeLen    = 6
	speedLen   = 5
	headingLen = 6

	latDegreeLen = 2
	lonDegreeLen = 3

	fixValid byte = 'A'
)

// command classes and code letters accepted in the frame header
const (
	classes     = "AB"
	codeLetters = "OPQRSTUVXY"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrNoFix          = errors.New("no gps fix")
)

type Frame struct {
	Serial     uint64
	SerialText string
	Command    string
	Body       string
}

// Fix is the GPS part of a frame body, laid out as
// <prefix><YYMMDD>A<lat DDMM.mmmm><N|S><lon DDDMM.mmmm><E|W><speed><HHMMSS><heading><status>L<distance>
type Fix struct {
	Prefix    string
	Date      string
	Time      string
	Latitude  float64
	Longitude float64
	Speed     float64
	Heading   float64
	Status    uint64
	Distance  uint64
}

// SplitFrames cuts raw bytes on the frame terminator. Every complete segment
// is returned with anything ahead of its frame start dropped; bytes after the
// last terminator are returned as rest.
func SplitFrames(data []byte) (frames []string, rest []byte) {
	for {
		end := bytes.IndexByte(data, frameEnd)
		if end < 0 {
			break
		}
		seg := data[:end]
		data = data[end+1:]
		if start := bytes.IndexByte(seg, frameStart); start >= 0 {
			seg = seg[start:]
		}
		if len(bytes.TrimSpace(seg)) == 0 {
			continue
		}
		frames = append(frames, string(seg))
	}
	return frames, data
}

// DecodeFrame parses "(" <12 digit serial> <class><code letter><2 digits> <body>.
func DecodeFrame(seg string) (Frame, error) {
	f := Frame{}
	if len(seg) == 0 || seg[0] != frameStart {
		return f, ErrMalformedFrame
	}
	s := seg[1:]
	if len(s) < serialLen+commandLen+1 {
		return f, ErrMalformedFrame
	}
	if !allDigits(s[:serialLen]) {
		return f, ErrMalformedFrame
	}
	cmd := s[serialLen : serialLen+commandLen]
	if strings.IndexByte(classes, cmd[0]) < 0 || strings.IndexByte(codeLetters, cmd[1]) < 0 || !allDigits(cmd[2:]) {
		return f, ErrMalformedFrame
	}
	sn, err := strconv.ParseUint(s[:serialLen], 10, 64)
	if err != nil {
		return f, ErrMalformedFrame
	}
	f.Serial = sn
	f.SerialText = s[:serialLen]
	f.Command = cmd
	f.Body = s[serialLen+commandLen:]
	return f, nil
}

// NewFrame renders an outbound frame.
func NewFrame(serial string, command string, arg string) []byte {
	buf := make([]byte, 0, 2+len(serial)+len(command)+len(arg))
	buf = append(buf, frameStart)
	buf = append(buf, serial...)
	buf = append(buf, command...)
	buf = append(buf, arg...)
	buf = append(buf, frameEnd)
	return buf
}

// ParseFix extracts the GPS fix from a frame body. The body is scanned from
// the right since the prefix has no fixed width.
func ParseFix(body string) (Fix, error) {
	fix := Fix{}
	l := strings.LastIndexByte(body, 'L')
	if l < 0 || !allDigits(body[l+1:]) {
		return fix, ErrNoFix
	}
	ew := strings.LastIndexAny(body[:l], "EW")
	if ew < 0 {
		return fix, ErrNoFix
	}
	ns := strings.LastIndexAny(body[:ew], "NS")
	if ns < 0 {
		return fix, ErrNoFix
	}
	a := strings.LastIndexByte(body[:ns], fixValid)
	if a < dateLen {
		return fix, ErrNoFix
	}

	fix.Prefix = body[:a-dateLen]
	fix.Date = body[a-dateLen : a]
	if !allDigits(fix.Date) {
		return fix, ErrNoFix
	}

	var err error
	fix.Latitude, err = parseDDM(body[a+1:ns], latDegreeLen, body[ns])
	if err != nil {
		return fix, err
	}
	fix.Longitude, err = parseDDM(body[ns+1:ew], lonDegreeLen, body[ew])
	if err != nil {
		return fix, err
	}

	tail := body[ew+1 : l]
	if len(tail) < speedLen+timeLen+headingLen+1 {
		return fix, ErrNoFix
	}
	speed, err := parseDecimal(tail[:speedLen])
	if err != nil {
		return fix, err
	}
	fix.Speed = math.Round(speed*10) / 10
	tail = tail[speedLen:]

	fix.Time = tail[:timeLen]
	if !allDigits(fix.Time) {
		return fix, ErrNoFix
	}
	tail = tail[timeLen:]

	fix.Heading, err = parseDecimal(tail[:headingLen])
	if err != nil {
		return fix, err
	}
	tail = tail[headingLen:]

	if !allDigits(tail) {
		return fix, ErrNoFix
	}
	fix.Status, err = strconv.ParseUint(tail, 10, 64)
	if err != nil {
		return fix, ErrNoFix
	}
	fix.Distance, err = strconv.ParseUint(body[l+1:], 10, 64)
	if err != nil {
		return fix, ErrNoFix
	}
	if _, err := fix.UTC(); err != nil {
		return fix, ErrNoFix
	}
	return fix, nil
}

// UTC is the device timestamp; trackers report date and time in GMT.
func (f *Fix) UTC() (time.Time, error) {
	return time.ParseInLocation("060102150405", f.Date+f.Time, time.UTC)
}

// ErrorCode is the fix quality marker, values above 9 (usually an IMEI) are 0.
func (f *Fix) ErrorCode() int {
	n, err := strconv.Atoi(f.Prefix)
	if err != nil || n > 9 || n < 0 {
		return 0
	}
	return n
}

// AlarmCode is the alarm number carried ahead of the fix in alarm frames.
func (f *Fix) AlarmCode() string {
	n, err := strconv.Atoi(f.Prefix)
	if err != nil || n < 0 {
		return "0"
	}
	return strconv.Itoa(n)
}

func parseDDM(s string, degLen int, hemisphere byte) (float64, error) {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		dot = len(s)
	}
	if dot != degLen+2 || !allDigits(s[:dot]) {
		return 0, ErrNoFix
	}
	deg, err := strconv.Atoi(s[:degLen])
	if err != nil {
		return 0, ErrNoFix
	}
	min, err := strconv.ParseFloat(s[degLen:], 64)
	if err != nil {
		return 0, ErrNoFix
	}
	return geo.Degree(deg, min, hemisphere), nil
}

func parseDecimal(s string) (float64, error) {
	for i := 0; i < len(s); i++ {
		if (s[i] < '0' || s[i] > '9') && s[i] != '.' {
			return 0, ErrNoFix
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrNoFix
	}
	return v, nil
}

func allDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
