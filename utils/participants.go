package utils

import (
	"bytes"
	"encoding/hex"
	"sort"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// NormalizeParticipants unions ids with the requester, drops nil and duplicate
// ids and returns the set sorted by byte order.
func NormalizeParticipants(requesterID uuid.UUID, ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids)+1)
	set := make([]uuid.UUID, 0, len(ids)+1)
	for _, id := range append([]uuid.UUID{requesterID}, ids...) {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		set = append(set, id)
	}
	SortIDs(set)
	return set
}

func SortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}

// SameMembers reports whether a and b hold exactly the same ids, ignoring order.
func SameMembers(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]uuid.UUID(nil), a...)
	y := append([]uuid.UUID(nil), b...)
	SortIDs(x)
	SortIDs(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// Fingerprint is the deterministic key of a direct conversation: the site and
// the sorted member set hashed together. Callers pass a normalized set.
func Fingerprint(siteID uuid.UUID, members []uuid.UUID) string {
	sorted := append([]uuid.UUID(nil), members...)
	SortIDs(sorted)

	h := blake3.New()
	_, _ = h.Write([]byte("direct"))
	_, _ = h.Write(siteID[:])
	for _, id := range sorted {
		_, _ = h.Write(id[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
