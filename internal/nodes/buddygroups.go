package nodes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/beegfs/buddymirror/pkg/proto"
)

// BuddyGroup is a primary/secondary pair of targets.
type BuddyGroup struct {
	ID        proto.BuddyGroupID `yaml:"id"`
	Primary   proto.TargetID     `yaml:"primary"`
	Secondary proto.TargetID     `yaml:"secondary"`
}

func (g BuddyGroup) validate() error {
	switch {
	case g.ID == 0:
		return fmt.Errorf("buddy group id 0 is reserved")
	case g.Primary == 0 || g.Secondary == 0:
		return fmt.Errorf("buddy group %d: target id 0 is reserved", g.ID)
	case g.Primary == g.Secondary:
		return fmt.Errorf("buddy group %d: primary and secondary are both target %d", g.ID, g.Primary)
	}
	return nil
}

// BuddyGroupMapper maps buddy groups to their targets and back. Lookups of
// unknown groups or ungrouped targets return 0, which callers treat as a
// routing miss.
type BuddyGroupMapper struct {
	mu       sync.RWMutex
	groups   map[proto.BuddyGroupID]BuddyGroup
	byTarget map[proto.TargetID]proto.BuddyGroupID
}

// NewBuddyGroupMapper creates an empty mapper.
func NewBuddyGroupMapper() *BuddyGroupMapper {
	return &BuddyGroupMapper{
		groups:   make(map[proto.BuddyGroupID]BuddyGroup),
		byTarget: make(map[proto.TargetID]proto.BuddyGroupID),
	}
}

// PrimaryOf returns the primary target of groupID, or 0.
func (m *BuddyGroupMapper) PrimaryOf(groupID proto.BuddyGroupID) proto.TargetID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[groupID].Primary
}

// SecondaryOf returns the secondary target of groupID, or 0.
func (m *BuddyGroupMapper) SecondaryOf(groupID proto.BuddyGroupID) proto.TargetID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[groupID].Secondary
}

// BuddyTargetOf returns the mirror partner of targetID and whether targetID
// is the primary of its group. The partner is 0 if targetID is ungrouped.
func (m *BuddyGroupMapper) BuddyTargetOf(targetID proto.TargetID) (buddy proto.TargetID, isPrimary bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	groupID, ok := m.byTarget[targetID]
	if !ok {
		return 0, false
	}
	g := m.groups[groupID]
	if g.Primary == targetID {
		return g.Secondary, true
	}
	return g.Primary, false
}

// GroupOf returns the group targetID belongs to, or 0.
func (m *BuddyGroupMapper) GroupOf(targetID proto.TargetID) proto.BuddyGroupID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTarget[targetID]
}

// Group returns the group with the given ID.
func (m *BuddyGroupMapper) Group(groupID proto.BuddyGroupID) (BuddyGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	return g, ok
}

// MapGroup adds or replaces one group.
func (m *BuddyGroupMapper) MapGroup(g BuddyGroup) error {
	if err := g.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range []proto.TargetID{g.Primary, g.Secondary} {
		if other, ok := m.byTarget[t]; ok && other != g.ID {
			return fmt.Errorf("target %d already belongs to buddy group %d", t, other)
		}
	}
	if old, ok := m.groups[g.ID]; ok {
		delete(m.byTarget, old.Primary)
		delete(m.byTarget, old.Secondary)
	}
	m.groups[g.ID] = g
	m.byTarget[g.Primary] = g.ID
	m.byTarget[g.Secondary] = g.ID
	return nil
}

// SyncFromAuthority replaces all groups. The new set is validated as a whole
// and nothing changes if it is inconsistent.
func (m *BuddyGroupMapper) SyncFromAuthority(groups []BuddyGroup) error {
	newGroups := make(map[proto.BuddyGroupID]BuddyGroup, len(groups))
	newByTarget := make(map[proto.TargetID]proto.BuddyGroupID, 2*len(groups))

	for _, g := range groups {
		if err := g.validate(); err != nil {
			return fmt.Errorf("sync buddy groups: %w", err)
		}
		if _, dup := newGroups[g.ID]; dup {
			return fmt.Errorf("sync buddy groups: duplicate group %d", g.ID)
		}
		for _, t := range []proto.TargetID{g.Primary, g.Secondary} {
			if other, ok := newByTarget[t]; ok {
				return fmt.Errorf("sync buddy groups: target %d in groups %d and %d", t, other, g.ID)
			}
			newByTarget[t] = g.ID
		}
		newGroups[g.ID] = g
	}

	m.mu.Lock()
	m.groups = newGroups
	m.byTarget = newByTarget
	m.mu.Unlock()
	return nil
}

// Groups returns all groups ordered by ID.
func (m *BuddyGroupMapper) Groups() []BuddyGroup {
	m.mu.RLock()
	out := make([]BuddyGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
