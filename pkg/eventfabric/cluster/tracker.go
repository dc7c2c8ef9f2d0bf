package cluster

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric/observability"
)

// ChangeKind describes a membership transition.
type ChangeKind string

const (
	Joined ChangeKind = "joined"
	Left   ChangeKind = "left"
	Failed ChangeKind = "failed"
)

// Change is a membership transition reported by the Tracker.
type Change struct {
	Kind   ChangeKind
	Member Member
}

// TrackerConfig configures a Tracker and its reaper.
type TrackerConfig struct {
	// FailureTimeout is how long a member may stay silent before the reaper
	// marks it failed.
	// Default: 10 seconds
	FailureTimeout time.Duration

	// EvictAfter is how long a failed or departed member is kept before it
	// is dropped from the table.
	// Default: 1 minute
	EvictAfter time.Duration

	// SweepInterval is how often the reaper scans the table.
	// Default: 1 second
	SweepInterval time.Duration

	// OnChange is called for every transition, outside the lock.
	OnChange func(Change)

	// Logger receives membership changes. Nil uses slog.Default().
	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Tracker is a heartbeat table implementing Membership. Peers are added by
// Heartbeat, removed by Leave, and marked failed by the reaper when they
// stay silent longer than FailureTimeout.
type Tracker struct {
	cfg   TrackerConfig
	local Member

	mu      sync.RWMutex
	members map[string]*memberState

	reaperMu   sync.Mutex
	reaperStop chan struct{}
	reaperDone chan struct{}
}

type memberState struct {
	member   Member
	leftAt   time.Time
	inactive bool
}

// NewTracker creates a tracker whose local member is local.
func NewTracker(local Member, cfg TrackerConfig) *Tracker {
	if cfg.FailureTimeout <= 0 {
		cfg.FailureTimeout = 10 * time.Second
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	local = local.Clone()
	local.State = StateAlive
	if local.JoinedAt.IsZero() {
		local.JoinedAt = cfg.Now()
	}

	return &Tracker{
		cfg:     cfg,
		local:   local,
		members: make(map[string]*memberState),
	}
}

// Local implements Membership.
func (t *Tracker) Local() Member {
	m := t.local.Clone()
	m.LastSeen = t.cfg.Now()
	return m
}

// Snapshot implements Membership.
func (t *Tracker) Snapshot() []Member {
	t.mu.RLock()
	out := make([]Member, 0, len(t.members)+1)
	for _, s := range t.members {
		if !s.inactive {
			out = append(out, s.member.Clone())
		}
	}
	t.mu.RUnlock()

	out = append(out, t.Local())
	sortMembers(out)
	return out
}

// All returns every tracked peer, including failed and departed ones not yet
// evicted, plus the local member.
func (t *Tracker) All() []Member {
	t.mu.RLock()
	out := make([]Member, 0, len(t.members)+1)
	for _, s := range t.members {
		out = append(out, s.member.Clone())
	}
	t.mu.RUnlock()

	out = append(out, t.Local())
	sortMembers(out)
	return out
}

// Get returns the tracked state of id.
func (t *Tracker) Get(id string) (Member, bool) {
	if id == t.local.ID {
		return t.Local(), true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.members[id]
	if !ok {
		return Member{}, false
	}
	return s.member.Clone(), true
}

// Heartbeat records that m is alive. It reports whether m joined with this
// heartbeat, either for the first time or after failing or leaving.
// Heartbeats for the local member are ignored.
func (t *Tracker) Heartbeat(m Member) bool {
	if m.ID == "" || m.ID == t.local.ID {
		return false
	}
	now := t.cfg.Now()

	t.mu.Lock()
	s, ok := t.members[m.ID]
	joined := !ok || s.inactive
	if !ok {
		s = &memberState{}
		t.members[m.ID] = s
	}
	if joined {
		s.member.JoinedAt = now
	}
	s.inactive = false
	s.leftAt = time.Time{}
	s.member.ID = m.ID
	s.member.Addr = m.Addr
	s.member.Attributes = cloneAttrs(m.Attributes)
	s.member.Metrics = m.Metrics
	s.member.LastSeen = now
	s.member.State = StateAlive
	member := s.member.Clone()
	t.mu.Unlock()

	if joined {
		t.notify(Change{Kind: Joined, Member: member})
	}
	return joined
}

// Leave marks id as departed. It reports whether id was live.
func (t *Tracker) Leave(id string) bool {
	t.mu.Lock()
	s, ok := t.members[id]
	if !ok || s.inactive {
		t.mu.Unlock()
		return false
	}
	s.inactive = true
	s.leftAt = t.cfg.Now()
	s.member.State = StateLeft
	member := s.member.Clone()
	t.mu.Unlock()

	t.notify(Change{Kind: Left, Member: member})
	return true
}

// Sweep marks silent members failed and evicts long-inactive ones. The
// reaper calls it every SweepInterval.
func (t *Tracker) Sweep() {
	now := t.cfg.Now()
	var failed []Member

	t.mu.Lock()
	for id, s := range t.members {
		if s.inactive {
			if now.Sub(s.leftAt) > t.cfg.EvictAfter {
				delete(t.members, id)
			}
			continue
		}
		if now.Sub(s.member.LastSeen) > t.cfg.FailureTimeout {
			s.inactive = true
			s.leftAt = now
			s.member.State = StateFailed
			failed = append(failed, s.member.Clone())
		}
	}
	t.mu.Unlock()

	sortMembers(failed)
	for _, m := range failed {
		t.notify(Change{Kind: Failed, Member: m})
	}
}

// StartReaper launches the background sweep. Call Stop to shut it down.
func (t *Tracker) StartReaper() {
	t.reaperMu.Lock()
	defer t.reaperMu.Unlock()
	if t.reaperStop != nil {
		return
	}

	t.reaperStop = make(chan struct{})
	t.reaperDone = make(chan struct{})
	go t.reapLoop(t.reaperStop, t.reaperDone)

	t.cfg.Logger.Debug("cluster: reaper started",
		slog.Duration("failure_timeout", t.cfg.FailureTimeout),
		slog.Duration("sweep_interval", t.cfg.SweepInterval))
}

// Stop shuts down the reaper goroutine.
func (t *Tracker) Stop() {
	t.reaperMu.Lock()
	defer t.reaperMu.Unlock()
	if t.reaperStop != nil {
		close(t.reaperStop)
		<-t.reaperDone
		t.reaperStop = nil
		t.reaperDone = nil
	}
}

func (t *Tracker) reapLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *Tracker) notify(c Change) {
	observability.LogMembershipChange(t.cfg.Logger, string(c.Kind), c.Member.ID)
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(c)
	}
}

func sortMembers(ms []Member) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}

func cloneAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
