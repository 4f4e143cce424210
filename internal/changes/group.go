package changes

import (
	"sort"

	"relaybot/internal/catalog"
)

// Group is every change that shares one changelist number.
type Group struct {
	ChangeNumber uint32
	Apps         []catalog.ChangeRecord
	Packages     []catalog.ChangeRecord
}

func (g Group) Total() int { return len(g.Apps) + len(g.Packages) }

// GroupBatch joins app and package changes on their changelist number. Every number
// seen on either side yields exactly one group; the other side is then empty.
// Groups are ordered by number and records inside a group by entity id.
func GroupBatch(b catalog.ChangeBatch) []Group {
	byNumber := make(map[uint32]*Group)
	get := func(n uint32) *Group {
		g := byNumber[n]
		if g == nil {
			g = &Group{ChangeNumber: n, Apps: []catalog.ChangeRecord{}, Packages: []catalog.ChangeRecord{}}
			byNumber[n] = g
		}
		return g
	}
	for _, r := range b.Apps {
		g := get(r.ChangeNumber)
		g.Apps = append(g.Apps, r)
	}
	for _, r := range b.Packages {
		g := get(r.ChangeNumber)
		g.Packages = append(g.Packages, r)
	}

	out := make([]Group, 0, len(byNumber))
	for _, g := range byNumber {
		sortRecords(g.Apps)
		sortRecords(g.Packages)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeNumber < out[j].ChangeNumber })
	return out
}

func sortRecords(rs []catalog.ChangeRecord) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].EntityID < rs[j].EntityID })
}

// important returns the ids of m that the predicate marks, ascending.
func important(m map[uint32]catalog.ChangeRecord, watched func(uint32) bool) []uint32 {
	var ids []uint32
	for id := range m {
		if watched(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
