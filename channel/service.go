package channel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/broadcast"
	"github.com/minahq/tether/telemetry"
)

// Client is one registered connection (a browser tab, usually). Events
// is buffered; a client that cannot keep up has events dropped rather
// than stalling the fan-out. Dropped events are recovered later via
// the reconciliation bootstrap query, so lossy delivery here is safe.
type Client struct {
	ID          string
	TabID       string
	UserID      int64
	WorkspaceID int64
	Events      chan *broadcast.Envelope

	filters     []glob.Glob
	connectedAt time.Time
	lastSeen    atomic.Int64 // unix ms
	closed      atomic.Bool
}

// wantsEvent reports whether the client's event-type filters accept t.
// No filters means everything.
func (c *Client) wantsEvent(t string) bool {
	if len(c.filters) == 0 {
		return true
	}
	for _, g := range c.filters {
		if g.Match(t) {
			return true
		}
	}
	return false
}

// close closes the event channel if not already closed.
func (c *Client) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.Events)
	}
}

// LastSeen returns the client's last heartbeat time.
func (c *Client) LastSeen() time.Time {
	return time.UnixMilli(c.lastSeen.Load())
}

// workspaceHub holds the registrations of one workspace. Sends happen
// under the read lock and channel close under the write lock, so a
// channel is never closed while a send is in flight.
type workspaceHub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// Service tracks live client registrations per workspace and fans
// events out to them. All state is in-memory; a restart drops every
// registration, which is fine because registration is a liveness
// index, not a system of record.
type Service struct {
	workspaces *xsync.MapOf[int64, *workspaceHub]
	bufferSize int
}

// NewService creates a channel service. bufferSize is the per-client
// event buffer.
func NewService(bufferSize int) *Service {
	return &Service{
		workspaces: xsync.NewMapOf[int64, *workspaceHub](),
		bufferSize: bufferSize,
	}
}

// Register adds a client to a workspace channel. eventTypes are glob
// patterns ("*", "reconciliation", "task.*"); empty means all events.
// Re-registering an existing client ID replaces the old registration.
func (s *Service) Register(workspaceID int64, clientID, tabID string, userID int64, eventTypes []string) (*Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	filters := make([]glob.Glob, 0, len(eventTypes))
	for _, pattern := range eventTypes {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid event filter %q: %w", pattern, err)
		}
		filters = append(filters, g)
	}

	client := &Client{
		ID:          clientID,
		TabID:       tabID,
		UserID:      userID,
		WorkspaceID: workspaceID,
		Events:      make(chan *broadcast.Envelope, s.bufferSize),
		filters:     filters,
		connectedAt: time.Now(),
	}
	client.lastSeen.Store(time.Now().UnixMilli())

	hub, _ := s.workspaces.LoadOrStore(workspaceID, &workspaceHub{clients: make(map[string]*Client)})

	hub.mu.Lock()
	old := hub.clients[clientID]
	hub.clients[clientID] = client
	hub.mu.Unlock()

	if old != nil {
		old.close()
	} else {
		telemetry.ChannelRegistrations.Inc()
	}
	telemetry.ChannelWorkspaces.Set(float64(s.workspaces.Size()))

	log.Debug().
		Int64("workspace_id", workspaceID).
		Str("client_id", clientID).
		Str("tab_id", tabID).
		Msg("Client registered")

	return client, nil
}

// Unregister removes a client. Removing the last client of a workspace
// drops the workspace entry entirely. Unknown IDs are a no-op.
func (s *Service) Unregister(workspaceID int64, clientID string) {
	hub, ok := s.workspaces.Load(workspaceID)
	if !ok {
		return
	}

	hub.mu.Lock()
	client, ok := hub.clients[clientID]
	if ok {
		delete(hub.clients, clientID)
	}
	empty := len(hub.clients) == 0
	hub.mu.Unlock()

	if !ok {
		return
	}

	client.close()
	telemetry.ChannelRegistrations.Dec()

	if empty {
		// Another Register may have repopulated the hub in the
		// meantime; only drop it if it is still empty.
		s.workspaces.Compute(workspaceID, func(h *workspaceHub, loaded bool) (*workspaceHub, bool) {
			if !loaded {
				return nil, true
			}
			h.mu.RLock()
			stillEmpty := len(h.clients) == 0
			h.mu.RUnlock()
			return h, stillEmpty
		})
	}
	telemetry.ChannelWorkspaces.Set(float64(s.workspaces.Size()))

	log.Debug().
		Int64("workspace_id", workspaceID).
		Str("client_id", clientID).
		Msg("Client unregistered")
}

// Heartbeat refreshes a client's last-seen time. Returns false when
// the registration is unknown (the caller should re-register).
func (s *Service) Heartbeat(workspaceID int64, clientID string) bool {
	hub, ok := s.workspaces.Load(workspaceID)
	if !ok {
		return false
	}

	hub.mu.RLock()
	client, ok := hub.clients[clientID]
	hub.mu.RUnlock()

	if !ok {
		return false
	}
	client.lastSeen.Store(time.Now().UnixMilli())
	return true
}

// BroadcastToWorkspace fans env out to every registered client of the
// workspace except the excluded sender. Returns the number of clients
// notified; zero recipients is not an error.
func (s *Service) BroadcastToWorkspace(workspaceID int64, env *broadcast.Envelope, excludeClientID string) int {
	hub, ok := s.workspaces.Load(workspaceID)
	if !ok {
		return 0
	}

	notified := 0

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for _, client := range hub.clients {
		if client.ID == excludeClientID {
			continue
		}
		if env.SenderTab != "" && client.TabID == env.SenderTab {
			continue
		}
		if !client.wantsEvent(env.EventType) {
			telemetry.ChannelEventsTotal.With("filtered").Inc()
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case client.Events <- env:
			notified++
			telemetry.ChannelEventsTotal.With("delivered").Inc()
		default:
			telemetry.ChannelEventsTotal.With("dropped").Inc()
		}
	}

	return notified
}

// HandleEnvelope delivers a transported envelope into the local
// fan-out. This is the loopback sink's handler and the consumer-side
// entry point for broker-delivered events.
func (s *Service) HandleEnvelope(env *broadcast.Envelope) {
	s.BroadcastToWorkspace(env.WorkspaceID, env, "")
}

// EvictStale unregisters every client whose last heartbeat is older
// than ttl. Returns the number evicted.
func (s *Service) EvictStale(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	evicted := 0

	type victim struct {
		workspaceID int64
		clientID    string
	}
	var victims []victim

	s.workspaces.Range(func(workspaceID int64, hub *workspaceHub) bool {
		hub.mu.RLock()
		for id, client := range hub.clients {
			if client.lastSeen.Load() < cutoff {
				victims = append(victims, victim{workspaceID, id})
			}
		}
		hub.mu.RUnlock()
		return true
	})

	for _, v := range victims {
		s.Unregister(v.workspaceID, v.clientID)
		evicted++
		telemetry.ChannelStaleEvictionsTotal.Inc()
	}

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("Evicted stale channel registrations")
	}

	return evicted
}

// ClientCount returns the number of clients registered in a workspace.
func (s *Service) ClientCount(workspaceID int64) int {
	hub, ok := s.workspaces.Load(workspaceID)
	if !ok {
		return 0
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// WorkspaceCount returns the number of workspaces with registrations.
func (s *Service) WorkspaceCount() int {
	return s.workspaces.Size()
}

// Stats summarizes registrations per workspace for the admin API.
func (s *Service) Stats() map[int64]int {
	stats := make(map[int64]int)
	s.workspaces.Range(func(workspaceID int64, hub *workspaceHub) bool {
		hub.mu.RLock()
		stats[workspaceID] = len(hub.clients)
		hub.mu.RUnlock()
		return true
	})
	return stats
}
