package domain

import (
	"sort"
	"strconv"
)

// StatusTable maps provider status codes to human-readable meanings.
// The provider renumbers codes, so the table is configuration data:
// exact codes first, then numeric bands (e.g. a "production" range).
type StatusTable struct {
	Codes map[int]string
	Bands []StatusBand

	// AuthCodes are provider business codes (inside HTTP 200 envelopes)
	// that mean the session token expired.
	AuthCodes map[int]bool
}

type StatusBand struct {
	Min  int
	Max  int
	Name string
}

// Describe resolves a status code. Unknown codes still produce a stable
// description so an unmapped code never fails a cycle.
func (t *StatusTable) Describe(code int) string {
	if t != nil {
		if name, ok := t.Codes[code]; ok {
			return name
		}
		for _, b := range t.Bands {
			if code >= b.Min && code <= b.Max {
				return b.Name
			}
		}
	}
	return "status " + strconv.Itoa(code)
}

// IsAuthCode reports whether a provider envelope code signals expired
// or invalid credentials.
func (t *StatusTable) IsAuthCode(code int) bool {
	return t != nil && t.AuthCodes[code]
}

// SortedBands returns bands ordered by lower bound, for diagnostics output.
func (t *StatusTable) SortedBands() []StatusBand {
	if t == nil {
		return nil
	}
	out := append([]StatusBand(nil), t.Bands...)
	sort.Slice(out, func(i, j int) bool { return out[i].Min < out[j].Min })
	return out
}
