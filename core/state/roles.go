package state

import (
	"bytes"
	"sort"
)

func roleMemberKey(set string, addr [20]byte) []byte {
	return prefixedKey(roleMemberPrefix, []byte(set), []byte{'/'}, addr[:])
}

func roleListKey(set string) []byte {
	return prefixedKey(roleListPrefix, []byte(set))
}

// RoleHas reports whether addr belongs to the named role set.
func (m *Manager) RoleHas(set string, addr [20]byte) (bool, error) {
	var flag bool
	ok, err := m.KVGet(roleMemberKey(set, addr), &flag)
	if err != nil {
		return false, err
	}
	return ok && flag, nil
}

// RoleAdd inserts addr into the named role set. Adding an existing member is
// a no-op.
func (m *Manager) RoleAdd(set string, addr [20]byte) error {
	has, err := m.RoleHas(set, addr)
	if err != nil || has {
		return err
	}
	members, err := m.RoleMembers(set)
	if err != nil {
		return err
	}
	members = append(members, addr)
	sort.Slice(members, func(i, j int) bool { return bytes.Compare(members[i][:], members[j][:]) < 0 })
	if err := m.KVPut(roleListKey(set), members); err != nil {
		return err
	}
	return m.KVPut(roleMemberKey(set, addr), true)
}

// RoleRemove drops addr from the named role set.
func (m *Manager) RoleRemove(set string, addr [20]byte) error {
	members, err := m.RoleMembers(set)
	if err != nil {
		return err
	}
	filtered := members[:0]
	for _, member := range members {
		if member != addr {
			filtered = append(filtered, member)
		}
	}
	if err := m.KVPut(roleListKey(set), filtered); err != nil {
		return err
	}
	return m.KVDelete(roleMemberKey(set, addr))
}

// RoleMembers lists the named role set in byte order.
func (m *Manager) RoleMembers(set string) ([][20]byte, error) {
	var members [][20]byte
	if err := m.KVGetList(roleListKey(set), &members); err != nil {
		return nil, err
	}
	return members, nil
}

// ArbitratorIs reports whether addr is an allow-listed arbitrator.
func (m *Manager) ArbitratorIs(addr [20]byte) (bool, error) {
	return m.RoleHas(RoleSetArbitrators, addr)
}

// ArbitratorAdd allow-lists addr as an arbitrator.
func (m *Manager) ArbitratorAdd(addr [20]byte) error { return m.RoleAdd(RoleSetArbitrators, addr) }

// ArbitratorRemove removes addr from the arbitrator allow-list.
func (m *Manager) ArbitratorRemove(addr [20]byte) error {
	return m.RoleRemove(RoleSetArbitrators, addr)
}

// ArbitratorList returns the arbitrator allow-list.
func (m *Manager) ArbitratorList() ([][20]byte, error) { return m.RoleMembers(RoleSetArbitrators) }

// CoordinatorIs reports whether addr holds the coordinator capability.
func (m *Manager) CoordinatorIs(addr [20]byte) (bool, error) {
	return m.RoleHas(RoleSetCoordinators, addr)
}

// CoordinatorAdd grants addr the coordinator capability.
func (m *Manager) CoordinatorAdd(addr [20]byte) error { return m.RoleAdd(RoleSetCoordinators, addr) }

// CoordinatorRemove revokes the coordinator capability.
func (m *Manager) CoordinatorRemove(addr [20]byte) error {
	return m.RoleRemove(RoleSetCoordinators, addr)
}

// GovernorIs reports whether addr holds the governance capability.
func (m *Manager) GovernorIs(addr [20]byte) (bool, error) { return m.RoleHas(RoleSetGovernors, addr) }
