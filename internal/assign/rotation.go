// Package assign holds the pure rotation arithmetic of the round-robin
// engine, separated from the transaction that persists it so the selection
// rules are testable without a database.
package assign

import (
	"github.com/google/uuid"

	"github.com/atendo-io/atendo/internal/models"
)

// NextMember picks the roster member to assign next, given the queue's
// cursor (the member id assigned last time, nil if the queue never
// assigned anyone).
//
// Rule: find the cursor in the ordered roster, take the next slot, wrap at
// the end. A nil or departed cursor resolves to index -1 so rotation
// restarts at the head — members are matched by id, not by position, which
// is what lets a shrinking roster skip departed members naturally.
//
// Returns nil on an empty roster.
func NextMember(roster []models.TeamMember, lastAssigned *uuid.UUID) *models.TeamMember {
	if len(roster) == 0 {
		return nil
	}

	found := -1
	if lastAssigned != nil {
		for i, m := range roster {
			if m.ID == *lastAssigned {
				found = i
				break
			}
		}
	}

	next := (found + 1) % len(roster)
	return &roster[next]
}
