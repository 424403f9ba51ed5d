package geo

import (
	"math"
	"sort"
)

const earthRadiusKM = 6371.0

// HaversineKM returns the great-circle distance between two points in
// kilometers. Monotonic in true distance, which is all the ranking needs.
func HaversineKM(a, b LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

// SortByDistance orders snapshots by ascending distance, breaking ties by
// trucker id so results are deterministic.
func SortByDistance(snapshots []Snapshot) {
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].DistanceKM != snapshots[j].DistanceKM {
			return snapshots[i].DistanceKM < snapshots[j].DistanceKM
		}
		return snapshots[i].TruckerID < snapshots[j].TruckerID
	})
}
