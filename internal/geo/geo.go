package geo

import "math"

const earthRadiusM = 6371000.0

// HaversineM returns the great-circle distance in metres between two points
// given in decimal degrees.
func HaversineM(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// WithinM reports whether the two points are at most radiusM metres apart.
func WithinM(lat1, lng1, lat2, lng2, radiusM float64) bool {
	return HaversineM(lat1, lng1, lat2, lng2) <= radiusM
}

// ValidCoordinates reports whether lat/lng form a usable coordinate pair.
func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
