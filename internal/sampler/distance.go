package sampler

import "math"

// Mean Earth radius in meters (IUGG).
const earthRadiusM = 6371008.8

// distanceMeters returns the great-circle distance between two coordinates
// using the haversine formula. Accurate to well under a meter at the scales
// the displacement filter cares about.
func distanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lng2 - lng1) * degToRad

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
