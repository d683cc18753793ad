// Package pillar assigns, for each deployment target, the host its copy of
// the delta dump is pulled from, so that a data center is only ever crossed
// once over the WAN per deploy (spec.md §4.3).
package pillar

import "github.com/lonerr/jroll/internal/model"

// DCEntry tracks one data center's pillar host and how many members pull
// from it.
type DCEntry struct {
	PillarHost string
	Consumers  int
}

// Plan is the pillar assignment for one deploy.
type Plan struct {
	// MemberPillarHost maps member id -> the host its dump is scp'd from.
	MemberPillarHost map[string]string
	// DCs maps DC tag -> its pillar bookkeeping, including the super's own
	// (possibly empty-string) DC tag.
	DCs map[string]*DCEntry
}

// IsPillar reports whether memberHost is the pillar host of member's DC —
// i.e. whether this member is the one other same-DC members scp from,
// rather than the member that scp'd its own copy in from elsewhere.
func (p *Plan) IsPillar(member model.Member, memberHost string) bool {
	entry, ok := p.DCs[member.DC]
	return ok && entry.PillarHost == memberHost
}

// PillarHosts returns the distinct set of hosts that ended up holding a
// pillar copy of the dump — the hosts to reap at the end of a deploy
// (spec.md §4.5 step 9).
func (p *Plan) PillarHosts() []string {
	seen := make(map[string]struct{}, len(p.DCs))
	var hosts []string
	for _, e := range p.DCs {
		if _, ok := seen[e.PillarHost]; ok {
			continue
		}
		seen[e.PillarHost] = struct{}{}
		hosts = append(hosts, e.PillarHost)
	}
	return hosts
}

// Build runs the algorithm in spec.md §4.3 over members in list order.
func Build(superHost, superDC string, members []model.Member, memberHosts map[string]string) *Plan {
	plan := &Plan{
		MemberPillarHost: make(map[string]string, len(members)),
		DCs: map[string]*DCEntry{
			superDC: {PillarHost: superHost, Consumers: 0},
		},
	}

	for _, m := range members {
		host := memberHosts[m.ID]
		d := m.DC

		if entry, ok := plan.DCs[d]; ok {
			plan.MemberPillarHost[m.ID] = entry.PillarHost
			entry.Consumers++
			continue
		}

		plan.MemberPillarHost[m.ID] = superHost
		plan.DCs[superDC].Consumers++
		plan.DCs[d] = &DCEntry{PillarHost: host, Consumers: 0}
	}

	return plan
}
