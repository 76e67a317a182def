// Package registry maintains the in-memory presence table for the agent
// mesh: which agents exist, their capabilities and group membership,
// their lifecycle status, and whether they are currently connected.
//
// The table is keyed by agent id with a secondary index by connection
// id. Agent records are mirrored to the persistent store so the fleet
// survives a server restart; on startup Restore loads them back in a
// Disconnected state until they re-register.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// statusTransitions is the agent lifecycle table. A status may only
// move to one of its listed successors; anything else is illegal.
var statusTransitions = map[types.AgentStatus][]types.AgentStatus{
	types.AgentStatusCreated:      {types.AgentStatusInitializing, types.AgentStatusFaulted},
	types.AgentStatusInitializing: {types.AgentStatusReady, types.AgentStatusFaulted, types.AgentStatusDisconnected},
	types.AgentStatusReady:        {types.AgentStatusRunning, types.AgentStatusStopping, types.AgentStatusDisconnected},
	types.AgentStatusRunning:      {types.AgentStatusReady, types.AgentStatusPaused, types.AgentStatusStopping, types.AgentStatusDisconnected},
	types.AgentStatusPaused:       {types.AgentStatusRunning, types.AgentStatusStopping, types.AgentStatusDisconnected},
	types.AgentStatusStopping:     {types.AgentStatusStopped, types.AgentStatusFaulted, types.AgentStatusDisconnected},
	types.AgentStatusStopped:      {types.AgentStatusInitializing},
	types.AgentStatusFaulted:      {types.AgentStatusInitializing, types.AgentStatusDisconnected},
	types.AgentStatusDisconnected: {types.AgentStatusInitializing, types.AgentStatusReady, types.AgentStatusFaulted},
}

// CanTransition reports whether the agent status table permits from→to
func CanTransition(from, to types.AgentStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Registry is the presence table
type Registry struct {
	store  storage.AgentStore
	broker *events.Broker
	logger zerolog.Logger

	mu     sync.RWMutex
	agents map[string]*types.Agent
	byConn map[string]string // connection id -> agent id

	heartbeatTimeout time.Duration
	onAgentLost      func(agentID string)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry backed by the given store
func NewRegistry(store storage.AgentStore, broker *events.Broker, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		store:            store,
		broker:           broker,
		logger:           log.WithComponent("registry"),
		agents:           make(map[string]*types.Agent),
		byConn:           make(map[string]string),
		heartbeatTimeout: heartbeatTimeout,
		stopCh:           make(chan struct{}),
	}
}

// OnAgentLost registers the callback invoked when an agent is declared
// Disconnected. Wired to the dispatcher's reassignment path.
func (r *Registry) OnAgentLost(fn func(agentID string)) {
	r.onAgentLost = fn
}

// Restore loads persisted agents into the table. Every restored agent
// starts Disconnected; presence returns when the agent re-registers.
func (r *Registry) Restore(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("restore agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, agent := range agents {
		agent.Status = types.AgentStatusDisconnected
		agent.ConnID = ""
		r.agents[agent.ID] = agent
	}
	r.logger.Info().Int("count", len(agents)).Msg("restored agents from store")
	return nil
}

// Register adds an agent to the table or restores presence for a known
// one. Registration always lands the agent in Ready with the supplied
// connection id; any previous connection id is unindexed.
func (r *Registry) Register(ctx context.Context, agent *types.Agent, connID string) error {
	if agent.ID == "" {
		return fmt.Errorf("agentId: %w", errdefs.ErrMissingField)
	}
	if connID == "" {
		return fmt.Errorf("connId: %w", errdefs.ErrMissingField)
	}

	r.mu.Lock()
	existing, known := r.agents[agent.ID]
	if known {
		if existing.ConnID != "" {
			delete(r.byConn, existing.ConnID)
		}
		existing.Name = agent.Name
		existing.Capabilities = agent.Capabilities
		existing.Group = agent.Group
		existing.Metadata = agent.Metadata
		agent = existing
	} else {
		agent.CreatedAt = time.Now().UTC()
		r.agents[agent.ID] = agent
	}
	agent.Status = types.AgentStatusReady
	agent.ConnID = connID
	agent.LastHeartbeat = time.Now().UTC()
	r.byConn[connID] = agent.ID
	snapshot := *agent
	r.mu.Unlock()

	if err := r.store.PutAgent(ctx, &snapshot); err != nil {
		return fmt.Errorf("persist agent: %w", err)
	}

	r.logger.Info().
		Str("agent_id", agent.ID).
		Str("conn_id", connID).
		Bool("rejoined", known).
		Msg("agent registered")

	r.broker.Publish(&events.Event{
		Topic:   events.TopicAgentConnected,
		AgentID: agent.ID,
		Message: "agent registered",
	})
	return nil
}

// Unregister removes the agent from the table and the store
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errdefs.ErrUnknownAgent
	}
	if agent.ConnID != "" {
		delete(r.byConn, agent.ConnID)
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	if err := r.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	r.logger.Info().Str("agent_id", agentID).Msg("agent unregistered")
	return nil
}

// UpdateHeartbeat records a heartbeat for the agent
func (r *Registry) UpdateHeartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errdefs.ErrUnknownAgent
	}
	agent.LastHeartbeat = time.Now().UTC()
	r.mu.Unlock()
	return nil
}

// UpdateStatus moves the agent through its lifecycle table. Illegal
// transitions return ErrIllegalTransition and leave the record alone.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status types.AgentStatus) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errdefs.ErrUnknownAgent
	}
	from := agent.Status
	if from == status {
		r.mu.Unlock()
		return nil
	}
	if !CanTransition(from, status) {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %s -> %s: %w", agentID, from, status, errdefs.ErrIllegalTransition)
	}
	agent.Status = status
	if !status.Connected() && agent.ConnID != "" {
		delete(r.byConn, agent.ConnID)
		agent.ConnID = ""
	}
	snapshot := *agent
	r.mu.Unlock()

	if err := r.store.PutAgent(ctx, &snapshot); err != nil {
		return fmt.Errorf("persist agent: %w", err)
	}

	r.logger.Debug().
		Str("agent_id", agentID).
		Str("from", string(from)).
		Str("to", string(status)).
		Msg("agent status changed")

	r.broker.Publish(&events.Event{
		Topic:    events.TopicAgentStatus,
		AgentID:  agentID,
		Message:  string(status),
		Metadata: map[string]string{"from": string(from), "to": string(status)},
	})
	return nil
}

// MarkDisconnected declares the agent lost and fires the reassignment
// callback. Used by the heartbeat monitor and by the hub when a session
// closes.
func (r *Registry) MarkDisconnected(ctx context.Context, agentID string) error {
	r.mu.RLock()
	agent, ok := r.agents[agentID]
	var already bool
	if ok {
		already = agent.Status == types.AgentStatusDisconnected
	}
	r.mu.RUnlock()
	if !ok {
		return errdefs.ErrUnknownAgent
	}
	if already {
		return nil
	}

	if err := r.UpdateStatus(ctx, agentID, types.AgentStatusDisconnected); err != nil {
		return err
	}

	r.broker.Publish(&events.Event{
		Topic:   events.TopicAgentLost,
		AgentID: agentID,
		Message: "agent disconnected",
	})
	if r.onAgentLost != nil {
		r.onAgentLost(agentID)
	}
	return nil
}

// Get returns a copy of the agent record
func (r *Registry) Get(agentID string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, errdefs.ErrUnknownAgent
	}
	snapshot := *agent
	return &snapshot, nil
}

// GetByConnID resolves a connection id to its agent
func (r *Registry) GetByConnID(connID string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.byConn[connID]
	if !ok {
		return nil, errdefs.ErrUnknownAgent
	}
	snapshot := *r.agents[agentID]
	return &snapshot, nil
}

// GetByCapability returns connected agents advertising the capability
func (r *Registry) GetByCapability(name string) []*types.Agent {
	return r.filter(func(a *types.Agent) bool {
		return a.Status.Connected() && a.HasCapability(name)
	})
}

// GetByGroup returns connected agents in the group
func (r *Registry) GetByGroup(tag string) []*types.Agent {
	return r.filter(func(a *types.Agent) bool {
		return a.Status.Connected() && a.Group == tag
	})
}

// All returns every agent in the table, connected or not
func (r *Registry) All() []*types.Agent {
	return r.filter(func(*types.Agent) bool { return true })
}

// Connected returns agents with a live session
func (r *Registry) Connected() []*types.Agent {
	return r.filter(func(a *types.Agent) bool { return a.Status.Connected() })
}

func (r *Registry) filter(keep func(*types.Agent) bool) []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Agent
	for _, agent := range r.agents {
		if keep(agent) {
			snapshot := *agent
			out = append(out, &snapshot)
		}
	}
	return out
}

// Start runs the heartbeat monitor until Stop is called
func (r *Registry) Start(ctx context.Context) {
	go r.monitor(ctx)
}

// Stop halts the heartbeat monitor
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) monitor(ctx context.Context) {
	interval := r.heartbeatTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep declares agents lost when their last heartbeat is older than
// the timeout.
func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.RLock()
	var lost []string
	for id, agent := range r.agents {
		if agent.Status.Connected() && agent.LastHeartbeat.Before(cutoff) {
			lost = append(lost, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range lost {
		r.logger.Warn().Str("agent_id", id).Msg("heartbeat lost")
		if err := r.MarkDisconnected(ctx, id); err != nil {
			r.logger.Error().Str("agent_id", id).Err(err).Msg("failed to mark agent disconnected")
		}
	}
}
