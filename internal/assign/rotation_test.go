package assign

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atendo-io/atendo/internal/models"
)

func roster(n int) []models.TeamMember {
	members := make([]models.TeamMember, n)
	for i := range members {
		members[i] = models.TeamMember{
			ID:       uuid.New(),
			UserID:   uuid.New(),
			Position: i,
		}
	}
	return members
}

func TestNextMemberEmptyRoster(t *testing.T) {
	assert.Nil(t, NextMember(nil, nil))
	assert.Nil(t, NextMember([]models.TeamMember{}, nil))
}

func TestNextMemberRotatesInOrderAndWraps(t *testing.T) {
	members := roster(3)

	// No cursor yet: rotation starts at the head.
	var cursor *uuid.UUID
	for round := 0; round < 2; round++ {
		for i := 0; i < 3; i++ {
			next := NextMember(members, cursor)
			require.NotNil(t, next)
			assert.Equal(t, members[i].ID, next.ID, "round %d slot %d", round, i)
			cursor = &next.ID
		}
	}
}

func TestNextMemberSingleMemberAlwaysChosen(t *testing.T) {
	members := roster(1)

	next := NextMember(members, nil)
	require.NotNil(t, next)
	assert.Equal(t, members[0].ID, next.ID)

	// Same member again: a one-person roster just keeps getting the work.
	next = NextMember(members, &next.ID)
	require.NotNil(t, next)
	assert.Equal(t, members[0].ID, next.ID)
}

func TestNextMemberDepartedCursorResetsToHead(t *testing.T) {
	members := roster(3)
	departed := uuid.New()

	next := NextMember(members, &departed)
	require.NotNil(t, next)
	assert.Equal(t, members[0].ID, next.ID)
}

func TestNextMemberShrunkenRosterSkipsNaturally(t *testing.T) {
	members := roster(4)
	cursor := members[1].ID

	// Member 2 leaves between calls; the cursor (member 1) still matches
	// by id in the shrunken roster, so rotation lands on member 3 —
	// the departed slot is skipped without any special casing.
	shrunk := []models.TeamMember{members[0], members[1], members[3]}
	next := NextMember(shrunk, &cursor)
	require.NotNil(t, next)
	assert.Equal(t, members[3].ID, next.ID)
}
