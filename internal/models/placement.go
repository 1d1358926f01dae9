package models

// Placement represents a named sponsored slot on a page of the comparison
// site (e.g. "comparison-top", "review-sidebar"). SlotCount controls how many
// winners the allocation engine returns for the placement; most placements
// carry a single sponsored listing.
type Placement struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
	// SlotCount is the number of campaigns that may win this placement per
	// request. Values below 1 are treated as 1.
	SlotCount int `json:"slot_count"`
}

// Slots returns the effective winner count for the placement.
func (p *Placement) Slots() int {
	if p == nil || p.SlotCount < 1 {
		return 1
	}
	return p.SlotCount
}
