package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// Trigger names a job lifecycle event
type Trigger string

const (
	TriggerAssign   Trigger = "Assign"
	TriggerStart    Trigger = "Start"
	TriggerReject   Trigger = "Reject"
	TriggerComplete Trigger = "Complete"
	TriggerFail     Trigger = "Fail"
	TriggerCancel   Trigger = "Cancel"
	TriggerTimeout  Trigger = "Timeout"
	TriggerRetry    Trigger = "Retry"
)

// transitions is the authoritative job lifecycle table. Reject out of
// Running covers agent loss mid-run: the disconnect path treats it as
// a NACK and the job goes back for reassignment.
var transitions = map[types.JobStatus]map[Trigger]types.JobStatus{
	types.JobStatusPending: {
		TriggerAssign:  types.JobStatusAssigned,
		TriggerCancel:  types.JobStatusCancelled,
		TriggerTimeout: types.JobStatusTimedOut,
	},
	types.JobStatusAssigned: {
		TriggerStart:   types.JobStatusRunning,
		TriggerReject:  types.JobStatusPending,
		TriggerTimeout: types.JobStatusPending,
		TriggerCancel:  types.JobStatusCancelled,
	},
	types.JobStatusRunning: {
		TriggerComplete: types.JobStatusCompleted,
		TriggerFail:     types.JobStatusFailed,
		TriggerCancel:   types.JobStatusCancelled,
		TriggerTimeout:  types.JobStatusTimedOut,
		TriggerReject:   types.JobStatusPending,
	},
	types.JobStatusFailed: {
		TriggerRetry: types.JobStatusPending,
	},
	types.JobStatusTimedOut: {
		TriggerRetry: types.JobStatusPending,
	},
}

// eventPayload is what a transition records in the write-ahead log
type eventPayload struct {
	Trigger      Trigger         `json:"trigger"`
	From         types.JobStatus `json:"from"`
	To           types.JobStatus `json:"to"`
	AgentID      string          `json:"agentId,omitempty"`
	AttemptCount int             `json:"attemptCount"`
	Detail       string          `json:"detail,omitempty"`
}

// Machine drives job records through the lifecycle table. Every applied
// transition is appended to the write-ahead event log before the
// outcome is announced; on restart the log replay rebuilds the per-job
// sequence counters and the store already holds the last durable state.
//
// All Fire calls for a given job must come from the dispatcher task, so
// the machine serializes on a single mutex rather than per-job locks.
type Machine struct {
	store    storage.JobStore
	eventLog storage.EventLog
	broker   *events.Broker
	logger   zerolog.Logger

	mu  sync.Mutex
	seq map[string]uint64 // job id -> last event sequence
}

// NewMachine creates the job state machine
func NewMachine(store storage.JobStore, eventLog storage.EventLog, broker *events.Broker) *Machine {
	return &Machine{
		store:    store,
		eventLog: eventLog,
		broker:   broker,
		logger:   log.WithComponent("fsm"),
		seq:      make(map[string]uint64),
	}
}

// Recover replays the event log to rebuild per-job sequence counters
func (m *Machine) Recover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	err := m.eventLog.RangeEvents(ctx, 0, func(ev *types.Event) error {
		if ev.Sequence > m.seq[ev.StreamID] {
			m.seq[ev.StreamID] = ev.Sequence
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay event log: %w", err)
	}
	m.logger.Info().Int("events", count).Int("streams", len(m.seq)).Msg("event log replayed")
	return nil
}

// Fire attempts trigger on the job. The job is mutated in place, the
// new state is persisted, and the transition is appended to the event
// log. Illegal triggers are a logged no-op returning false; triggers on
// a terminal job return false as well since terminal states are
// write-once. The caller sets payload fields (Result, Error) before
// firing; Fire owns status, timestamps and the attempt counter.
func (m *Machine) Fire(ctx context.Context, job *types.Job, trigger Trigger, detail string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := job.Status
	if job.Terminal() {
		m.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(from)).
			Str("trigger", string(trigger)).
			Msg("trigger on terminal job ignored")
		return false, nil
	}

	to, ok := transitions[from][trigger]
	if !ok {
		m.logger.Warn().
			Str("job_id", job.ID).
			Str("from", string(from)).
			Str("trigger", string(trigger)).
			Msg("illegal transition ignored")
		return false, nil
	}

	if trigger == TriggerRetry && job.AttemptCount > job.MaxRetries {
		m.logger.Warn().
			Str("job_id", job.ID).
			Int("attempts", job.AttemptCount).
			Int("max_retries", job.MaxRetries).
			Msg("retry after exhaustion ignored")
		return false, nil
	}

	now := time.Now().UTC()
	snapshot := *job // restored verbatim if either write fails
	switch trigger {
	case TriggerAssign:
		job.AssignedAgentID = detail
		job.AssignedAt = now
	case TriggerStart:
		job.StartedAt = now
	case TriggerReject:
		job.AssignedAgentID = ""
		job.AttemptCount++
		if detail != "" {
			job.Error = detail
		}
	case TriggerTimeout:
		job.AttemptCount++
		job.AssignedAgentID = ""
		if from == types.JobStatusRunning || from == types.JobStatusPending {
			job.CompletedAt = now
			job.Error = detail
		}
	case TriggerFail:
		job.AttemptCount++
		job.CompletedAt = now
		if detail != "" {
			job.Error = detail
		}
	case TriggerComplete:
		job.CompletedAt = now
	case TriggerCancel:
		job.CompletedAt = now
		if detail != "" {
			job.Error = detail
		}
	case TriggerRetry:
		job.AssignedAgentID = ""
		job.Error = ""
	}
	job.Status = to

	// Write-ahead: the event must be durable before the state it
	// describes. A transition that cannot be logged does not happen,
	// and a failed write hands the caller back its pre-fire copy.
	seq := m.seq[job.ID] + 1
	payload, _ := json.Marshal(eventPayload{
		Trigger:      trigger,
		From:         from,
		To:           to,
		AgentID:      job.AssignedAgentID,
		AttemptCount: job.AttemptCount,
		Detail:       detail,
	})
	event := &types.Event{
		StreamID:  job.ID,
		Sequence:  seq,
		Type:      string(trigger),
		Payload:   payload,
		Timestamp: now,
	}
	if _, err := m.eventLog.AppendEvent(ctx, event); err != nil {
		*job = snapshot
		return false, fmt.Errorf("append transition event: %w", err)
	}
	m.seq[job.ID] = seq

	if err := m.store.PutJob(ctx, job); err != nil {
		// The logged event stays ahead of the state; the store still
		// holds the last durable record.
		*job = snapshot
		return false, fmt.Errorf("persist transition: %w", err)
	}

	m.logger.Debug().
		Str("job_id", job.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", string(trigger)).
		Msg("job transition")

	topic := events.TopicJobTransition
	if to == types.JobStatusCompleted {
		topic = events.TopicJobCompleted
	}
	m.broker.Publish(&events.Event{
		Topic:    topic,
		JobID:    job.ID,
		AgentID:  job.AssignedAgentID,
		Message:  string(trigger),
		Metadata: map[string]string{"from": string(from), "to": string(to)},
	})
	return true, nil
}

// History returns the job's transition events in order
func (m *Machine) History(ctx context.Context, jobID string) ([]*types.Event, error) {
	return m.eventLog.StreamEvents(ctx, jobID)
}

// CanFire reports whether the table permits trigger from status
func CanFire(status types.JobStatus, trigger Trigger) bool {
	_, ok := transitions[status][trigger]
	return ok
}
