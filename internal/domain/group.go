package domain

// GroupType labels the structure of a multi-leg order group. It is advisory:
// no leg-count or structural validation is tied to it.
type GroupType string

const (
	GroupTypeSingle     GroupType = "SINGLE"
	GroupTypeSpread     GroupType = "SPREAD"
	GroupTypeStraddle   GroupType = "STRADDLE"
	GroupTypeStrangle   GroupType = "STRANGLE"
	GroupTypeIronCondor GroupType = "IRON_CONDOR"
	GroupTypeCustom     GroupType = "CUSTOM"
)

// OrderGroup bundles several leg orders under one id. Status is derived from
// the legs' order states and is one of CREATED, PARTIALLY_FILLED or FILLED.
type OrderGroup struct {
	ID     string      `json:"id"`
	Type   GroupType   `json:"type"`
	Legs   []string    `json:"legs"` // correlation ids, in submission order
	Status OrderStatus `json:"status"`
}

// Clone returns a copy with its own leg slice.
func (g OrderGroup) Clone() OrderGroup {
	out := g
	out.Legs = append([]string(nil), g.Legs...)
	return out
}
