// Package lock gives external clients exclusive ownership of a node.
// A client holds at most one node and a node is held by at most one client.
package lock

import (
	"sync"

	canbridge "github.com/samsamfire/canbridge"
)

type Manager struct {
	mu       sync.Mutex
	byNode   map[uint8]uint32
	byClient map[uint32]uint8
}

func NewManager() *Manager {
	return &Manager{byNode: map[uint8]uint32{}, byClient: map[uint32]uint8{}}
}

// Lock nodeId for client. Fails with [canbridge.ErrBusy] if another
// client holds it. A node previously held by client is released.
func (m *Manager) TryAcquire(nodeId uint8, client uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.byNode[nodeId]; ok && owner != client {
		return canbridge.ErrBusy
	}
	if previous, ok := m.byClient[client]; ok && previous != nodeId {
		delete(m.byNode, previous)
	}
	m.byNode[nodeId] = client
	m.byClient[client] = nodeId
	return nil
}

func (m *Manager) Release(nodeId uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.byNode[nodeId]; ok {
		delete(m.byClient, client)
		delete(m.byNode, nodeId)
	}
}

// Release whatever client holds, e.g. on disconnect
func (m *Manager) ReleaseAll(client uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodeId, ok := m.byClient[client]; ok {
		delete(m.byNode, nodeId)
		delete(m.byClient, client)
	}
}

func (m *Manager) Owner(nodeId uint8) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.byNode[nodeId]
	return client, ok
}

func (m *Manager) NodeOf(client uint32) (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodeId, ok := m.byClient[client]
	return nodeId, ok
}

// Whether client may act on nodeId : the node is free or held by client
func (m *Manager) Allowed(nodeId uint8, client uint32) bool {
	owner, ok := m.Owner(nodeId)
	return !ok || owner == client
}
