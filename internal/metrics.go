package internal

import (
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
)

// Metrics counts auth activity, live websocket connections and hub outcomes.
// It is the hub's Observer.
type Metrics struct {
	signups        atomic.Uint64
	logins         atomic.Uint64
	activeConns    atomic.Int64
	matchesMade    atomic.Uint64
	matchTimeouts  atomic.Uint64
	eventsHandled  atomic.Uint64
	eventsRejected atomic.Uint64

	mu       sync.Mutex
	byEvent  map[string]uint64
	rejected map[string]uint64
}

func NewMetrics() *Metrics {
	return &Metrics{byEvent: map[string]uint64{}, rejected: map[string]uint64{}}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) EventHandled(event string) {
	m.eventsHandled.Add(1)
	m.mu.Lock()
	m.byEvent[event]++
	m.mu.Unlock()
}

func (m *Metrics) EventRejected(event string) {
	m.eventsRejected.Add(1)
	m.mu.Lock()
	m.rejected[event]++
	m.mu.Unlock()
}

func (m *Metrics) MatchMade() {
	m.matchesMade.Add(1)
}

func (m *Metrics) MatchTimedOut() {
	m.matchTimeouts.Add(1)
}

// Snapshot returns the counters keyed the way /metrics reports them.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	byEvent := maps.Clone(m.byEvent)
	rejected := maps.Clone(m.rejected)
	m.mu.Unlock()
	return map[string]any{
		"events_by_name":        byEvent,
		"rejections_by_name":    rejected,
		"signups_total":         m.signups.Load(),
		"logins_total":          m.logins.Load(),
		"active_connections":    m.activeConns.Load(),
		"matches_total":         m.matchesMade.Load(),
		"match_timeouts_total":  m.matchTimeouts.Load(),
		"events_handled_total":  m.eventsHandled.Load(),
		"events_rejected_total": m.eventsRejected.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.Snapshot())
}
