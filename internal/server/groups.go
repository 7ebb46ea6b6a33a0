package server

import (
	"github.com/aikv/aikv/internal/admission"
	"github.com/aikv/aikv/internal/migration"
)

// groupDirectory resolves a group id to the locally-hosted *dataGroup for
// the admission layer. migrationGroupDirectory does the same for the
// migration coordinator; both wrap the same underlying map, but Go's
// interfaces are nominal on method return types so each consumer needs
// its own thin adapter even though *dataGroup itself satisfies both.
type groupDirectory struct {
	groups map[uint64]*dataGroup
}

func (d *groupDirectory) Group(groupID uint64) (admission.DataGroup, bool) {
	g, ok := d.groups[groupID]
	if !ok {
		return nil, false
	}
	return g, true
}

type migrationGroupDirectory struct {
	groups map[uint64]*dataGroup
}

func (d *migrationGroupDirectory) Group(groupID uint64) (migration.DataGroup, bool) {
	g, ok := d.groups[groupID]
	if !ok {
		return nil, false
	}
	return g, true
}
