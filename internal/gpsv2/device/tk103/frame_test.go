package tk103

import (
	"errors"
	"math"
	"testing"
	"time"
)

const loginFrame = "(057045206556BP05357857045206556190503A5210.8942N00428.4043E000.0134955000.0000000000L00000000"

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestSplitFrames(t *testing.T) {
	tests := []struct {
		in     string
		frames []string
		rest   string
	}{
		{"(A)(B)", []string{"(A", "(B"}, ""},
		{"(A)(B", []string{"(A"}, "(B"},
		{"", nil, ""},
		{"noise(A)\r\n(B)\n", []string{"(A", "(B"}, "\n"},
		{")\n)", nil, ""},
	}
	for _, tt := range tests {
		frames, rest := SplitFrames([]byte(tt.in))
		if len(frames) != len(tt.frames) {
			t.Errorf("%q: expected %d frames, got %q", tt.in, len(tt.frames), frames)
			continue
		}
		for i := range frames {
			if frames[i] != tt.frames[i] {
				t.Errorf("%q: frame %d expected %q got %q", tt.in, i, tt.frames[i], frames[i])
			}
		}
		if string(rest) != tt.rest {
			t.Errorf("%q: expected rest %q got %q", tt.in, tt.rest, rest)
		}
	}
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame(loginFrame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Serial != 57045206556 || f.SerialText != "057045206556" || f.Command != LOGIN {
		t.Fatalf("unexpected frame %+v", f)
	}
	if f.Body[:15] != "357857045206556" {
		t.Fatalf("unexpected body %q", f.Body)
	}

	bad := []string{
		"",
		"057045206556BP05x",
		"(05704520655XBP05x",
		"(057045206556BP05",
		"(057045206556CP05x",
		"(057045206556BZ05x",
		"(057045206556BP0Ax",
	}
	for _, b := range bad {
		if _, err := DecodeFrame(b); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%q: expected ErrMalformedFrame, got %v", b, err)
		}
	}
}

func TestNewFrame(t *testing.T) {
	if got := string(NewFrame("057045206556", HANDSHAKE_ACK, HANDSHAKE_ARG)); got != "(057045206556AP01HSO)" {
		t.Fatalf("unexpected frame %q", got)
	}
	if got := string(NewFrame("057045206556", LOGIN_ACK, "")); got != "(057045206556AP05)" {
		t.Fatalf("unexpected frame %q", got)
	}
}

func TestParseFix(t *testing.T) {
	f, _ := DecodeFrame(loginFrame)
	fix, err := ParseFix(f.Body)
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if !almostEqual(fix.Latitude, 52.18157) || !almostEqual(fix.Longitude, 4.473405) {
		t.Fatalf("unexpected position %f %f", fix.Latitude, fix.Longitude)
	}
	if fix.ErrorCode() != 0 {
		t.Fatalf("imei prefix must map to error code 0, got %d", fix.ErrorCode())
	}
	ts, err := fix.UTC()
	if err != nil {
		t.Fatalf("time: %v", err)
	}
	if !ts.Equal(time.Date(2019, 5, 3, 13, 49, 55, 0, time.UTC)) {
		t.Fatalf("unexpected time %v", ts)
	}
}

func TestParseFixFields(t *testing.T) {
	fix, err := ParseFix("7190503A5210.8942S00428.4043W012.5134955270.3110000000L0001F2A0")
	if err == nil {
		t.Fatalf("hex distance must not parse")
	}
	fix, err = ParseFix("7190503A5210.8942S00428.4043W012.5134955270.3110000000L00000123")
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if fix.ErrorCode() != 7 || fix.AlarmCode() != "7" {
		t.Fatalf("unexpected codes %d %s", fix.ErrorCode(), fix.AlarmCode())
	}
	if fix.Latitude >= 0 || fix.Longitude >= 0 {
		t.Fatalf("southern/western hemisphere must be negative, got %f %f", fix.Latitude, fix.Longitude)
	}
	if fix.Speed != 12.5 || !almostEqual(fix.Heading, 270.31) {
		t.Fatalf("unexpected speed/heading %f %f", fix.Speed, fix.Heading)
	}
	if fix.Status != 10000000 || fix.Distance != 123 {
		t.Fatalf("unexpected status/distance %d %d", fix.Status, fix.Distance)
	}
}

func TestParseFixRejects(t *testing.T) {
	bad := []string{
		"",
		"HSO",
		"190503V5210.8942N00428.4043E000.0134955000.0000000000L00000000",
		"991399A5210.8942N00428.4043E000.0134955000.0000000000L00000000",
		"190503A521.08942N00428.4043E000.0134955000.0000000000L00000000",
		"190503A5210.8942N0428.4043E000.0134955000.0000000000L00000000",
		"190503A5210.8942N00428.4043E000.0134955000.00L00000000",
	}
	for _, b := range bad {
		if _, err := ParseFix(b); !errors.Is(err, ErrNoFix) {
			t.Errorf("%q: expected ErrNoFix, got %v", b, err)
		}
	}
}

func TestErrorCodeClamp(t *testing.T) {
	tests := []struct {
		prefix string
		code   int
		alarm  string
	}{
		{"", 0, "0"},
		{"2", 2, "2"},
		{"9", 9, "9"},
		{"10", 0, "10"},
		{"x1", 0, "0"},
	}
	for _, tt := range tests {
		f := Fix{Prefix: tt.prefix}
		if f.ErrorCode() != tt.code || f.AlarmCode() != tt.alarm {
			t.Errorf("%q: got %d %q", tt.prefix, f.ErrorCode(), f.AlarmCode())
		}
	}
}
