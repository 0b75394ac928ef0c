// Package market implements the request lifecycle, offer arbitration and
// conversation operations of the marketplace.
//
// Every operation takes the acting Caller explicitly. Cross-row invariants are
// enforced by the store inside one transaction; notifications caused by a
// change are written to the outbox in that same transaction and delivered by
// the job workers.
package market

import "github.com/garnizeh/servicemarket/pkg/models"

// Caller identifies who performs an operation.
type Caller struct {
	ID   int64
	Role string
}

func (c Caller) IsAdmin() bool { return c.Role == models.RoleAdmin }

func (c Caller) valid() error {
	if c.ID <= 0 {
		return UnauthorizedError("caller identity required")
	}
	return nil
}
