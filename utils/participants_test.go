package utils

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeParticipants(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	set := NormalizeParticipants(a, []uuid.UUID{b, a, uuid.Nil, b, c})

	assert.Len(t, set, 3)
	assert.ElementsMatch(t, []uuid.UUID{a, b, c}, set)
	assert.Equal(t, set, NormalizeParticipants(c, []uuid.UUID{b, a}))
}

func TestSameMembers(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	assert.True(t, SameMembers([]uuid.UUID{a, b}, []uuid.UUID{b, a}))
	assert.False(t, SameMembers([]uuid.UUID{a, b}, []uuid.UUID{a, b, c}))
	assert.False(t, SameMembers([]uuid.UUID{a, b}, []uuid.UUID{a, c}))
}

func TestFingerprint(t *testing.T) {
	site, other := uuid.New(), uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	fp := Fingerprint(site, []uuid.UUID{a, b})

	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint(site, []uuid.UUID{b, a}))
	assert.NotEqual(t, fp, Fingerprint(other, []uuid.UUID{a, b}))
	assert.NotEqual(t, fp, Fingerprint(site, []uuid.UUID{a, b, c}))
}
