package websocket

import (
	"sort"

	"github.com/samber/lo"
)

// Presence turns room membership into the onlineUsers list.
//
// With Dedup set (the default) a user with two tabs in the same room is
// listed once; otherwise every connection contributes an entry.
type Presence struct {
	Dedup bool
}

type member struct {
	username string
	joined   uint64
}

// Snapshot lists members by join order.
func (p Presence) Snapshot(members []member) []string {
	sort.Slice(members, func(i, j int) bool { return members[i].joined < members[j].joined })
	names := lo.Map(members, func(m member, _ int) string { return m.username })
	if p.Dedup {
		names = lo.Uniq(names)
	}
	return names
}
