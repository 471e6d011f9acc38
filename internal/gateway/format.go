package gateway

import "sort"

// active_power before active_energy, matching receivers that expect power first
func sortedNames(s map[string]float64) []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := names[i] == "active_power", names[j] == "active_power"
		if pi != pj {
			return pi
		}
		return names[i] < names[j]
	})
	return names
}
