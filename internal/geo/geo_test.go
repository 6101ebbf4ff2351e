package geo

import (
	"math"
	"testing"
)

func TestDDM2DD(t *testing.T) {
	d := DDM2DD(5210.8942)
	if math.Abs(d-52.18157) > 1e-5 {
		t.Fatalf("unexpected value %v", d)
	}
	if DDM2DD(-5210.8942) != -d {
		t.Fatalf("conversion is not sign linear")
	}
	lon := DDM2DD(428.4043)
	if math.Abs(lon-4.473405) > 1e-5 {
		t.Fatalf("unexpected longitude %v", lon)
	}
}

func TestDegree(t *testing.T) {
	tests := []struct {
		deg  int
		min  float64
		hem  byte
		want float64
	}{
		{52, 10.8942, 'N', 52.18157},
		{52, 10.8942, 'S', -52.18157},
		{4, 28.4043, 'E', 4.473405},
		{4, 28.4043, 'W', -4.473405},
	}
	for _, tt := range tests {
		got := Degree(tt.deg, tt.min, tt.hem)
		if math.Abs(got-tt.want) > 1e-5 {
			t.Errorf("Degree(%d, %v, %c) = %v, want %v", tt.deg, tt.min, tt.hem, got, tt.want)
		}
	}
}

func TestHaversine(t *testing.T) {
	// Amsterdam to Rotterdam is roughly 57 km
	d := Haversine(52.3676, 4.9041, 51.9244, 4.4777)
	if d < 50 || d > 65 {
		t.Fatalf("unexpected distance: %v", d)
	}
	if Haversine(51.9244, 4.4777, 52.3676, 4.9041) != d {
		t.Fatalf("distance is not symmetric")
	}
	if Haversine(52.18157, 4.473405, 52.18157, 4.473405) != 0 {
		t.Fatalf("distance to self must be zero")
	}
	if Haversine(52.18157, 4.473405, 52.18158, 4.473405) == 0 {
		t.Fatalf("distinct points must not be zero")
	}
}
