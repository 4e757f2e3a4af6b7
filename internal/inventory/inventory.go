// internal/inventory/inventory.go
package inventory

import (
	"libracirc/internal/catalog"
)

// AvailableCopies returns how many copies of item are on the shelf given the
// number of open loans against it. A count above TotalCopies clamps to zero.
func AvailableCopies(item catalog.Item, openLoans int) int {
	available := item.TotalCopies - openLoans
	if available < 0 {
		return 0
	}
	return available
}

// IsAvailable reports whether at least one copy can be lent.
func IsAvailable(item catalog.Item, openLoans int) bool {
	return AvailableCopies(item, openLoans) > 0
}

// Availability is a point-in-time snapshot of an item's copies.
type Availability struct {
	Item      catalog.Item `json:"item"`
	OpenLoans int          `json:"open_loans"`
	Available int          `json:"available"`
}

// Snapshot builds an Availability for item.
func Snapshot(item catalog.Item, openLoans int) Availability {
	return Availability{
		Item:      item,
		OpenLoans: openLoans,
		Available: AvailableCopies(item, openLoans),
	}
}
