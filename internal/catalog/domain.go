// internal/catalog/domain.go
package catalog

import (
	"github.com/google/uuid"
)

// Item represents a book title the library lends, with a fixed number of physical copies.
type Item struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Author      string    `json:"author,omitempty" db:"author"`
	TotalCopies int       `json:"total_copies" db:"total_copies"`
}
