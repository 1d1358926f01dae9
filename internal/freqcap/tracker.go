// Package freqcap suppresses campaigns a session has already seen too many
// times. Counts live in a single state document per session behind the
// SessionStore interface, so the backing store (Redis in production, memory
// in tests) can be swapped without touching the capping logic.
package freqcap

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultWindow is the rolling window over which impressions are counted.
const DefaultWindow = 4 * time.Hour

// DefaultMaxImpressions is the per-campaign cap within one window when the
// campaign does not specify its own.
const DefaultMaxImpressions = 8

// SessionStore persists per-session state documents with a TTL.
type SessionStore interface {
	Get(sessionID string) ([]byte, error)
	Set(sessionID string, data []byte, ttl time.Duration) error
	Clear(sessionID string) error
}

// sessionState is the JSON document stored per session. The window starts at
// the first recorded impression and all counts reset together when it lapses.
type sessionState struct {
	StartedAt time.Time      `json:"started_at"`
	Counts    map[string]int `json:"counts"`
}

func countKey(campaignID int, placement string) string {
	return fmt.Sprintf("%d|%s", campaignID, placement)
}

// Tracker applies frequency caps per session, campaign and placement.
type Tracker struct {
	store  SessionStore
	window time.Duration
	maxImp int
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(store SessionStore, window time.Duration, maxImpressions int, logger *zap.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxImpressions <= 0 {
		maxImpressions = DefaultMaxImpressions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		window: window,
		maxImp: maxImpressions,
		logger: logger,
		now:    time.Now,
	}
}

// ShouldSuppress reports whether the session has hit the cap for the given
// campaign and placement. Store failures fail open: serving one impression
// too many is cheaper than blanking a slot.
func (t *Tracker) ShouldSuppress(sessionID string, campaignID int, placement string) bool {
	if sessionID == "" {
		return false
	}
	state, err := t.load(sessionID)
	if err != nil {
		t.logger.Warn("frequency cap read failed, serving uncapped",
			zap.String("session", sessionID), zap.Error(err))
		return false
	}
	if state == nil {
		return false
	}
	return state.Counts[countKey(campaignID, placement)] >= t.maxImp
}

// RecordShown increments the session's impression count for the campaign and
// placement. The first write of a window pins its start time and the store
// TTL; later writes within the window keep the remaining TTL.
func (t *Tracker) RecordShown(sessionID string, campaignID int, placement string) error {
	if sessionID == "" {
		return nil
	}
	now := t.now()
	state, err := t.load(sessionID)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if state == nil {
		state = &sessionState{StartedAt: now, Counts: make(map[string]int)}
	}
	state.Counts[countKey(campaignID, placement)]++

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	ttl := t.window - now.Sub(state.StartedAt)
	if ttl <= 0 {
		ttl = t.window
	}
	if err := t.store.Set(sessionID, data, ttl); err != nil {
		return fmt.Errorf("store session state: %w", err)
	}
	return nil
}

// Reset drops all counts for a session.
func (t *Tracker) Reset(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return t.store.Clear(sessionID)
}

// load fetches and decodes the session document, discarding it when the
// window has lapsed. A missing document comes back as (nil, nil).
func (t *Tracker) load(sessionID string) (*sessionState, error) {
	data, err := t.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupt document is dropped rather than poisoning the session.
		t.logger.Warn("dropping unreadable session state",
			zap.String("session", sessionID), zap.Error(err))
		return nil, nil
	}
	if t.now().Sub(state.StartedAt) >= t.window {
		return nil, nil
	}
	if state.Counts == nil {
		state.Counts = make(map[string]int)
	}
	return &state, nil
}
