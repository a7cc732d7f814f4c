package gateway

import (
	"sort"
	"sync"

	"github.com/harun/tether/internal/observability"
)

// ClientRegistry tracks live clients and the rooms they receive events for.
// A disconnected client leaves the fan-out index immediately; its session
// lives on in the session registry for resume.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]struct{}
	joined  map[string]map[string]struct{}
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	n := len(r.clients)
	r.mu.Unlock()

	observability.SetActiveConnections(n)
}

// Remove drops a client and all of its room memberships.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	for room := range r.joined[clientID] {
		r.leaveLocked(clientID, room)
	}
	delete(r.joined, clientID)
	n := len(r.clients)
	r.mu.Unlock()

	observability.SetActiveConnections(n)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range r.clients {
		if client.Authenticated() {
			clients = append(clients, client)
		}
	}
	return clients
}

// Count returns the number of clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// JoinRoom adds a live client to a room's fan-out. Unknown clients are
// ignored.
func (r *ClientRegistry) JoinRoom(clientID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[clientID] = struct{}{}

	rooms, ok := r.joined[clientID]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[clientID] = rooms
	}
	rooms[room] = struct{}{}
}

// LeaveRoom removes a client from a room's fan-out.
func (r *ClientRegistry) LeaveRoom(clientID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(clientID, room)
}

func (r *ClientRegistry) leaveLocked(clientID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.joined[clientID]; ok {
		delete(rooms, room)
	}
}

// Members returns the authenticated clients in room.
func (r *ClientRegistry) Members(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]*Client, 0, len(members))
	for id := range members {
		if client, ok := r.clients[id]; ok && client.Authenticated() {
			out = append(out, client)
		}
	}
	return out
}

// RoomsOf returns the rooms a client receives events for, sorted.
func (r *ClientRegistry) RoomsOf(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.joined[clientID]))
	for room := range r.joined[clientID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// GetConnectedClients returns information about all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	clients := r.GetAll()

	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, ClientInfo{
			ID:           client.ID,
			UserID:       client.UserID(),
			Rooms:        r.RoomsOf(client.ID),
			ConnectedAt:  client.ConnectedAt,
			LastActivity: client.LastActivity(),
			IPAddress:    client.IPAddress,
			State:        string(client.State()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	if client, ok := r.Get(clientID); ok {
		client.touch()
	}
}
