package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

const EarthRadiusKm = 6371.0

// DDM2DD converts a degrees-decimal-minutes value as sent by the tracker
// (5210.8942 means 52 degrees 10.8942 minutes) into decimal degrees.
// The sign of the input is kept.
func DDM2DD(ddm float64) float64 {
	sign := 1.0
	if ddm < 0 {
		sign = -1
		ddm = -ddm
	}
	d := math.Floor(ddm / 100)
	m := ddm - 100*d
	return sign * (d + m/60)
}

// Degree builds decimal degrees from the separate whole degree and decimal
// minute parts. Southern and western hemispheres are negative.
func Degree(deg int, min float64, hemisphere byte) float64 {
	dd := float64(deg) + min/60
	if hemisphere == 'S' || hemisphere == 'W' {
		return -dd
	}
	return dd
}

// Haversine returns the great-circle distance in kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusKm
}
