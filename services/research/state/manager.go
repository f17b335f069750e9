// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// CheckpointInfo summarizes one in-memory checkpoint for listings.
type CheckpointInfo struct {
	StepIndex int       `json:"step_index"`
	NodeName  string    `json:"node_name"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager tracks the active state and checkpoint history of every
// research session it backs.
//
// # Description
//
// One Manager instance serves many sessions, keyed by thread ID. The
// most recently initialized session is the "active" thread, which the
// parameterless operations target; concurrent pipelines address their
// own session through a Session handle instead. All mutation is
// copy-on-write: the field is applied to a clone, the step index
// increments by exactly one, and the clone atomically replaces the live
// state.
//
// # Thread Safety
//
// Safe for concurrent use. One mutex guards all sessions; durable
// checkpoint I/O runs outside it.
type Manager struct {
	mu      sync.Mutex
	active  string
	states  map[string]*datatypes.ResearchState
	history map[string][]*datatypes.ResearchState

	store  CheckpointStore
	events *EventFeed
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore attaches a durable checkpoint store. Without one,
// checkpoints live only in memory and LoadCheckpoint fails with
// ErrNoStorage.
func WithStore(s CheckpointStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithEvents attaches a feed that receives one event per state
// transition.
func WithEvents(f *EventFeed) Option {
	return func(m *Manager) { m.events = f }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		states:  make(map[string]*datatypes.ResearchState),
		history: make(map[string][]*datatypes.ResearchState),
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitState creates a fresh session and makes it the active thread.
// An empty threadID gets a generated UUID. Any existing session under
// the same threadID is replaced, with its checkpoint history kept.
func (m *Manager) InitState(query, threadID string) *datatypes.ResearchState {
	if threadID == "" {
		threadID = m.newID()
	}
	now := m.now().UTC()

	st := &datatypes.ResearchState{
		ThreadID:        threadID,
		Query:           query,
		DataStore:       map[string]any{},
		AnalyticMetrics: map[string]any{},
		RulesViolations: []datatypes.RiskFlag{},
		Messages:        []datatypes.LLMMessage{},
		StepMetadata: datatypes.StepMetadata{
			Timestamp: now,
			StepIndex: 0,
			NodeName:  "init",
			ThreadID:  threadID,
		},
	}

	m.mu.Lock()
	m.states[threadID] = st
	m.active = threadID
	m.mu.Unlock()

	m.logger.Debug("state.manager: session initialized",
		slog.String("thread_id", threadID),
		slog.String("query", query),
	)
	m.publish(Event{Type: EventInit, ThreadID: threadID, NodeName: "init", Timestamp: now})

	return st.Clone()
}

// Session returns a handle bound to one thread. The handle is cheap;
// it holds no state of its own, so concurrent pipelines can each keep
// one without touching the active-thread pointer.
func (m *Manager) Session(threadID string) *Session {
	return &Session{m: m, threadID: threadID}
}

// ActiveThread returns the most recently initialized thread ID, or ""
// before the first InitState.
func (m *Manager) ActiveThread() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Threads lists every known session, sorted for stable output.
func (m *Manager) Threads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.states))
	for id := range m.states {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UpdateState replaces one named field on the active thread's state.
// Returns the updated state as a copy.
func (m *Manager) UpdateState(field string, value any) (*datatypes.ResearchState, error) {
	return m.updateThread(activeThread, field, value, false)
}

// AppendState concatenates value onto a list-typed field (messages or
// rules_violations) of the active thread's state. A non-list value is
// wrapped into a one-element list first.
func (m *Manager) AppendState(field string, value any) (*datatypes.ResearchState, error) {
	return m.updateThread(activeThread, field, value, true)
}

// GetState returns a copy of the active thread's state, or nil before
// InitState.
func (m *Manager) GetState() *datatypes.ResearchState {
	return m.stateOf(activeThread)
}

// SaveCheckpoint deep-copies the active thread's state into its
// checkpoint history and, when a store is configured, persists it under
// {threadID}:{stepIndex}. Returns the checkpoint ID.
func (m *Manager) SaveCheckpoint(ctx context.Context, nodeName string) (string, error) {
	return m.saveThread(ctx, activeThread, nodeName)
}

// Rollback makes the first checkpoint in the active thread's history
// with the given step index the thread's state again. Later history
// entries are kept; the session continues from the restored step.
func (m *Manager) Rollback(stepIndex int) (*datatypes.ResearchState, error) {
	return m.rollbackThread(activeThread, stepIndex)
}

// ListCheckpoints returns the checkpoint summaries recorded for a
// thread, in save order. An empty threadID means the active thread; an
// unknown thread yields an empty list.
func (m *Manager) ListCheckpoints(threadID string) []CheckpointInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if threadID == "" {
		threadID = m.active
	}

	cps := m.history[threadID]
	out := make([]CheckpointInfo, 0, len(cps))
	for _, cp := range cps {
		out = append(out, CheckpointInfo{
			StepIndex: cp.StepMetadata.StepIndex,
			NodeName:  cp.StepMetadata.NodeName,
			Timestamp: cp.StepMetadata.Timestamp,
		})
	}
	return out
}

// LoadCheckpoint reads a checkpoint from the durable store. It accepts
// both ID delimiters ({thread}:{step} and {thread}__{step}) and does
// not modify any live session.
func (m *Manager) LoadCheckpoint(ctx context.Context, checkpointID string) (*datatypes.ResearchState, error) {
	if m.store == nil {
		return nil, fmt.Errorf("state: load checkpoint %s: %w", checkpointID, ErrNoStorage)
	}
	return m.store.Load(ctx, canonicalID(checkpointID))
}

// GetEvidenceChain traces a conclusion field on the active thread back
// to the data that produced it.
//
// For rules_violations the record carries the supporting metrics, the
// raw market data, and the resolved target. For analytic_metrics it
// carries the raw data and target. Every record includes the thread ID,
// the query, and a message trace of {role, timestamp, tokens}. Before
// InitState the record is empty.
func (m *Manager) GetEvidenceChain(conclusionKey string) map[string]any {
	return m.evidenceThread(activeThread, conclusionKey)
}

func (m *Manager) evidenceThread(threadID, conclusionKey string) map[string]any {
	m.mu.Lock()
	cur := m.states[m.resolveLocked(threadID)]
	if cur == nil {
		m.mu.Unlock()
		return map[string]any{}
	}
	st := cur.Clone()
	m.mu.Unlock()

	evidence := map[string]any{
		"conclusion": conclusionValue(st, conclusionKey),
		"thread_id":  st.ThreadID,
		"query":      st.Query,
	}

	switch conclusionKey {
	case datatypes.FieldRulesViolations:
		evidence["supporting_metrics"] = st.AnalyticMetrics
		evidence["raw_data"] = st.DataStore["market_data"]
		evidence["target"] = st.Target
	case datatypes.FieldAnalyticMetrics:
		evidence["raw_data"] = st.DataStore["market_data"]
		evidence["target"] = st.Target
	}

	msgTrace := make([]map[string]any, 0, len(st.Messages))
	for _, msg := range st.Messages {
		var tokens any
		if msg.TokenCount != nil {
			tokens = *msg.TokenCount
		}
		msgTrace = append(msgTrace, map[string]any{
			"role":      msg.Role,
			"timestamp": msg.Timestamp,
			"tokens":    tokens,
		})
	}
	evidence["message_trace"] = msgTrace

	return evidence
}

// conclusionValue resolves a conclusion key against the state's fields.
// Unknown keys yield nil, mirroring a missing-attribute lookup.
func conclusionValue(st *datatypes.ResearchState, key string) any {
	switch key {
	case datatypes.FieldQuery:
		return st.Query
	case datatypes.FieldTarget:
		return st.Target
	case datatypes.FieldDataStore:
		return st.DataStore
	case datatypes.FieldAnalyticMetrics:
		return st.AnalyticMetrics
	case datatypes.FieldRulesViolations:
		return st.RulesViolations
	case datatypes.FieldMessages:
		return st.Messages
	case datatypes.FieldFinalSnapshot:
		return st.FinalSnapshot
	default:
		return nil
	}
}

// =============================================================================
// Thread-scoped core
// =============================================================================

// activeThread is the threadID value that resolves to the active thread
// under the manager lock, so read-then-act on the pointer stays atomic.
const activeThread = ""

// resolveLocked maps the activeThread sentinel to the current active
// thread. Callers must hold m.mu.
func (m *Manager) resolveLocked(threadID string) string {
	if threadID == activeThread {
		return m.active
	}
	return threadID
}

func (m *Manager) stateOf(threadID string) *datatypes.ResearchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[m.resolveLocked(threadID)].Clone()
}

func (m *Manager) updateThread(threadID, field string, value any, appendMode bool) (*datatypes.ResearchState, error) {
	m.mu.Lock()
	threadID = m.resolveLocked(threadID)
	cur := m.states[threadID]
	if cur == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("state: update %q: %w", field, ErrNotInitialized)
	}

	next := cur.Clone()
	if err := applyUpdate(next, field, value, appendMode); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	next.StepMetadata.StepIndex++
	next.StepMetadata.Timestamp = m.now().UTC()

	m.states[threadID] = next
	step := next.StepMetadata.StepIndex
	ts := next.StepMetadata.Timestamp
	m.mu.Unlock()

	recordUpdate(context.Background(), field)
	m.publish(Event{Type: EventUpdate, ThreadID: threadID, StepIndex: step, Field: field, Timestamp: ts})

	return next.Clone(), nil
}

func (m *Manager) saveThread(ctx context.Context, threadID, nodeName string) (string, error) {
	start := m.now()

	m.mu.Lock()
	threadID = m.resolveLocked(threadID)
	cur := m.states[threadID]
	if cur == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("state: save checkpoint: %w", ErrNotInitialized)
	}

	cp := cur.Clone()
	if nodeName != "" {
		cp.StepMetadata.NodeName = nodeName
	}
	cp.StepMetadata.Timestamp = m.now().UTC()

	m.history[threadID] = append(m.history[threadID], cp)
	id := CheckpointID(threadID, cp.StepMetadata.StepIndex)

	var persist *datatypes.ResearchState
	if m.store != nil {
		persist = cp.Clone()
	}
	step := cp.StepMetadata.StepIndex
	node := cp.StepMetadata.NodeName
	ts := cp.StepMetadata.Timestamp
	m.mu.Unlock()

	if persist != nil {
		if err := m.store.Save(ctx, id, persist); err != nil {
			m.logger.Error("state.manager: checkpoint persistence failed",
				slog.String("checkpoint_id", id),
				slog.String("error", err.Error()),
			)
			return "", err
		}
	}

	recordCheckpoint(ctx, m.now().Sub(start))
	m.logger.Debug("state.manager: checkpoint saved",
		slog.String("checkpoint_id", id),
		slog.String("node_name", node),
	)
	m.publish(Event{Type: EventCheckpoint, ThreadID: threadID, StepIndex: step, NodeName: node, CheckpointID: id, Timestamp: ts})

	return id, nil
}

func (m *Manager) rollbackThread(threadID string, stepIndex int) (*datatypes.ResearchState, error) {
	m.mu.Lock()
	threadID = m.resolveLocked(threadID)
	if m.states[threadID] == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("state: rollback: %w", ErrNotInitialized)
	}

	// First match by history order. Saves follow a strictly increasing
	// step index, so duplicates only arise from unusual call patterns;
	// the earliest entry wins in that case.
	var target *datatypes.ResearchState
	for _, cp := range m.history[threadID] {
		if cp.StepMetadata.StepIndex == stepIndex {
			target = cp
			break
		}
	}
	if target == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("state: no checkpoint for step %d: %w", stepIndex, ErrCheckpointNotFound)
	}

	m.states[threadID] = target.Clone()
	m.mu.Unlock()

	recordRollback(context.Background())
	m.logger.Info("state.manager: rolled back",
		slog.String("thread_id", threadID),
		slog.Int("step_index", stepIndex),
	)
	m.publish(Event{Type: EventRollback, ThreadID: threadID, StepIndex: stepIndex, Timestamp: m.now().UTC()})

	return target.Clone(), nil
}

// MarkStepError records a failed pipeline stage on a thread's step
// metadata. It annotates the current step rather than advancing it, so
// a checkpoint taken after the failure carries what went wrong. An
// empty threadID means the active thread; unknown threads are a no-op.
func (m *Manager) MarkStepError(threadID, nodeName string, cause error) {
	if cause == nil {
		return
	}

	m.mu.Lock()
	threadID = m.resolveLocked(threadID)
	cur := m.states[threadID]
	if cur == nil {
		m.mu.Unlock()
		return
	}
	next := cur.Clone()
	next.StepMetadata.Error = cause.Error()
	if nodeName != "" {
		next.StepMetadata.NodeName = nodeName
	}
	m.states[threadID] = next
	m.mu.Unlock()
}

func (m *Manager) publish(e Event) {
	if m.events != nil {
		m.events.Publish(e)
	}
}

// =============================================================================
// Session handle
// =============================================================================

// Session is a thread-bound view of a Manager. Concurrent pipelines
// each hold their own Session so their updates never depend on which
// thread is currently active.
type Session struct {
	m        *Manager
	threadID string
}

// ThreadID returns the bound thread.
func (s *Session) ThreadID() string { return s.threadID }

// Update replaces one named field on this session's state.
func (s *Session) Update(field string, value any) (*datatypes.ResearchState, error) {
	return s.m.updateThread(s.threadID, field, value, false)
}

// Append concatenates value onto a list-typed field of this session's
// state.
func (s *Session) Append(field string, value any) (*datatypes.ResearchState, error) {
	return s.m.updateThread(s.threadID, field, value, true)
}

// SaveCheckpoint checkpoints this session's state.
func (s *Session) SaveCheckpoint(ctx context.Context, nodeName string) (string, error) {
	return s.m.saveThread(ctx, s.threadID, nodeName)
}

// Rollback restores this session to a prior checkpointed step.
func (s *Session) Rollback(stepIndex int) (*datatypes.ResearchState, error) {
	return s.m.rollbackThread(s.threadID, stepIndex)
}

// State returns a copy of this session's state, or nil if the thread
// is unknown.
func (s *Session) State() *datatypes.ResearchState {
	return s.m.stateOf(s.threadID)
}

// EvidenceChain builds the audit record for a conclusion on this
// session's state.
func (s *Session) EvidenceChain(conclusionKey string) map[string]any {
	return s.m.evidenceThread(s.threadID, conclusionKey)
}
