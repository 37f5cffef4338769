// Package session holds the canonical in-memory view of conversation
// sessions. The manager is a write-through cache: every mutation lands in the
// persistent sessions table before the call returns.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/royisme/mozi/internal/bus"
	"github.com/royisme/mozi/internal/persistence"
)

// Status is the canonical session status vocabulary.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusRetrying    Status = "retrying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// NormalizeStatus maps any string onto the status vocabulary. Unknown values
// become idle.
func NormalizeStatus(s string) Status {
	switch Status(s) {
	case StatusIdle, StatusQueued, StatusRunning, StatusRetrying,
		StatusCompleted, StatusFailed, StatusInterrupted:
		return Status(s)
	default:
		return StatusIdle
	}
}

// Session is the in-memory image of one conversation thread.
type Session struct {
	Key          string
	AgentID      string
	ChannelID    string
	PeerID       string
	PeerType     string
	Status       Status
	ParentKey    string
	Metadata     map[string]any
	CreatedAt    time.Time
	LastActiveAt time.Time
}

func (s *Session) clone() *Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Changes is a partial update applied by Update. Nil fields are untouched.
type Changes struct {
	Status    *Status
	ParentKey *string
	Metadata  map[string]any // merged key by key
}

// Config holds the manager dependencies.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns the session map. All reads and writes go through it.
type Manager struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	nowFn  func() time.Time

	mu    sync.Mutex
	cache map[string]*Session
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger,
		nowFn:  nowFn,
		cache:  make(map[string]*Session),
	}
}

// GetOrCreate returns the session for key, creating it from defaults when
// absent. A created event is broadcast only for genuinely new sessions.
func (m *Manager) GetOrCreate(ctx context.Context, key string, defaults Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.cache[key]; ok {
		return sess.clone(), nil
	}

	if sess, err := m.loadLocked(ctx, key); err != nil {
		return nil, err
	} else if sess != nil {
		return sess.clone(), nil
	}

	now := m.nowFn().UTC()
	parts := ParseKey(key)
	sess := &Session{
		Key:          key,
		AgentID:      firstNonEmpty(defaults.AgentID, parts.AgentID),
		ChannelID:    firstNonEmpty(defaults.ChannelID, parts.Channel),
		PeerID:       firstNonEmpty(defaults.PeerID, parts.PeerID),
		PeerType:     firstNonEmpty(defaults.PeerType, parts.PeerType),
		Status:       NormalizeStatus(string(defaults.Status)),
		ParentKey:    defaults.ParentKey,
		Metadata:     defaults.Metadata,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}

	row, err := sessionToRow(sess)
	if err != nil {
		return nil, err
	}
	created, err := m.store.InsertSessionIfAbsent(ctx, row)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the insert race; read whoever won.
		if existing, err := m.loadLocked(ctx, key); err != nil {
			return nil, err
		} else if existing != nil {
			return existing.clone(), nil
		}
	}

	m.cache[key] = sess
	if created && m.bus != nil {
		m.bus.Publish(bus.TopicSessionCreated, bus.SessionCreatedEvent{
			SessionKey: key,
			AgentID:    sess.AgentID,
			ChannelID:  sess.ChannelID,
			PeerID:     sess.PeerID,
		})
	}
	return sess.clone(), nil
}

// Get returns the session for key, or nil when it does not exist.
func (m *Manager) Get(ctx context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.cache[key]; ok {
		return sess.clone(), nil
	}
	sess, err := m.loadLocked(ctx, key)
	if err != nil || sess == nil {
		return nil, err
	}
	return sess.clone(), nil
}

// Update merges changes into the session and writes the row through,
// refreshing last_active_at. The session must exist.
func (m *Manager) Update(ctx context.Context, key string, changes Changes) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.cache[key]
	if !ok {
		loaded, err := m.loadLocked(ctx, key)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			return nil, fmt.Errorf("update session %q: not found", key)
		}
		sess = loaded
	}

	oldStatus := sess.Status
	if changes.Status != nil {
		sess.Status = NormalizeStatus(string(*changes.Status))
	}
	if changes.ParentKey != nil {
		sess.ParentKey = *changes.ParentKey
	}
	for k, v := range changes.Metadata {
		sess.Metadata[k] = v
	}
	sess.LastActiveAt = m.nowFn().UTC()

	row, err := sessionToRow(sess)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateSessionRow(ctx, row); err != nil {
		return nil, err
	}

	if m.bus != nil && sess.Status != oldStatus {
		m.bus.Publish(bus.TopicSessionStatusChanged, bus.SessionStatusChangedEvent{
			SessionKey: key,
			OldStatus:  string(oldStatus),
			NewStatus:  string(sess.Status),
		})
	}
	return sess.clone(), nil
}

// SetStatus is the common single-field update.
func (m *Manager) SetStatus(ctx context.Context, key string, status Status) error {
	_, err := m.Update(ctx, key, Changes{Status: &status})
	return err
}

// loadLocked reads a session row into the cache. Caller holds m.mu.
func (m *Manager) loadLocked(ctx context.Context, key string) (*Session, error) {
	row, err := m.store.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	sess, err := rowToSession(row)
	if err != nil {
		return nil, err
	}
	m.cache[key] = sess
	return sess, nil
}

func sessionToRow(sess *Session) (persistence.SessionRow, error) {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return persistence.SessionRow{}, fmt.Errorf("marshal session metadata: %w", err)
	}
	return persistence.SessionRow{
		Key:          sess.Key,
		AgentID:      sess.AgentID,
		ChannelID:    sess.ChannelID,
		PeerID:       sess.PeerID,
		PeerType:     sess.PeerType,
		Status:       string(sess.Status),
		ParentKey:    sess.ParentKey,
		MetadataJSON: string(metadata),
		CreatedAt:    sess.CreatedAt,
		LastActiveAt: sess.LastActiveAt,
	}, nil
}

func rowToSession(row *persistence.SessionRow) (*Session, error) {
	metadata := map[string]any{}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &Session{
		Key:          row.Key,
		AgentID:      row.AgentID,
		ChannelID:    row.ChannelID,
		PeerID:       row.PeerID,
		PeerType:     row.PeerType,
		Status:       NormalizeStatus(row.Status),
		ParentKey:    row.ParentKey,
		Metadata:     metadata,
		CreatedAt:    row.CreatedAt,
		LastActiveAt: row.LastActiveAt,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
