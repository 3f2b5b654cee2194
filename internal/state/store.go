package state

import (
	"sync"
	"time"

	"github.com/doridoridoriand/netwatch/internal/config"
	"github.com/doridoridoriand/netwatch/internal/probe"
)

const (
	defaultHistorySize      = 100
	defaultDownThreshold    = 3
	thresholdDataPointCount = 10 // 閾値判定に使うデータポイント数
)

// TrackerImpl is a thread-safe in-memory connectivity tracker.
type TrackerImpl struct {
	mu            sync.RWMutex
	connectivity  Connectivity
	applied       bool
	osOnline      bool
	order         []string
	targets       map[string]*TargetStatus
	historySize   int
	downThreshold int
	timeout       time.Duration
}

// NewTracker creates a tracker initialized with the provided targets.
func NewTracker(targets []config.TargetConfig, timeout time.Duration) *TrackerImpl {
	t := &TrackerImpl{
		connectivity:  ConnectivityUnknown,
		osOnline:      true,
		targets:       make(map[string]*TargetStatus),
		historySize:   defaultHistorySize,
		downThreshold: defaultDownThreshold,
		timeout:       timeout,
	}
	t.UpdateTargets(targets)
	return t
}

// RecordOutcome maps a probe outcome onto the connectivity judgment and the
// per-target statistics. Success is Reachable; any failure is Unreachable.
func (t *TrackerImpl) RecordOutcome(out probe.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.applied = true
	if out.Succeeded {
		t.connectivity = ConnectivityReachable
	} else {
		t.connectivity = ConnectivityUnreachable
	}

	target, ok := t.targets[out.Target]
	if !ok {
		target = &TargetStatus{Name: out.Target, URI: out.Target, Health: HealthUnknown}
		t.targets[out.Target] = target
		t.order = append(t.order, out.Target)
	}

	at := out.ObservedAt
	if at.IsZero() {
		at = time.Now()
	}
	if out.Succeeded {
		target.LastRTT = out.RTT
		target.LastSuccessAt = at
		target.LastError = ""
		target.ConsecutiveOK++
		target.ConsecutiveNG = 0
		target.TotalSuccess++

		// Historyに追加（判定前に追加して、直近のデータポイントを含める）
		t.appendHistory(target, out.RTT, at)

		avgRTT := calculateRecentAvgRTT(target.History, thresholdDataPointCount)
		if avgRTT <= 0 {
			avgRTT = out.RTT
		}
		// OK: timeoutの25%以内、それ以外はWARN
		if t.timeout <= 0 || avgRTT <= t.timeout/4 {
			target.Health = HealthOK
		} else {
			target.Health = HealthWarn
		}
		return
	}

	target.LastFailureAt = at
	if out.Err != nil {
		target.LastError = probe.Describe(out)
	}
	target.ConsecutiveNG++
	target.ConsecutiveOK = 0
	target.TotalFailure++
	if target.ConsecutiveNG >= t.downThreshold {
		target.Health = HealthDown
	} else {
		target.Health = HealthWarn
	}
}

// BeginCheck marks a probe as in flight. The judgment only becomes
// Checking while no outcome has been applied in this session; afterwards
// the last judgment stays in force.
func (t *TrackerImpl) BeginCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.applied {
		t.connectivity = ConnectivityChecking
	}
}

// SetOSOnline records the raw OS signal.
func (t *TrackerImpl) SetOSOnline(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.osOnline = online
}

// MarkUnreachable applies an Unreachable judgment without touching target
// statistics. Used when the OS reports the network offline.
func (t *TrackerImpl) MarkUnreachable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = true
	t.connectivity = ConnectivityUnreachable
}

// OSOnline returns the raw OS signal.
func (t *TrackerImpl) OSOnline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.osOnline
}

// Current returns the connectivity judgment.
func (t *TrackerImpl) Current() Connectivity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connectivity
}

// Reset returns the judgment to Unknown for a new or ended session. Target
// statistics are kept.
func (t *TrackerImpl) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectivity = ConnectivityUnknown
	t.applied = false
}

// GetSnapshot returns copies of all target states in priority order.
func (t *TrackerImpl) GetSnapshot() []TargetStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]TargetStatus, 0, len(t.order))
	for _, uri := range t.order {
		result = append(result, copyTargetStatus(t.targets[uri]))
	}
	return result
}

// UpdateTargets replaces the target list, keeping history for existing targets.
func (t *TrackerImpl) UpdateTargets(targets []config.TargetConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	updated := make(map[string]*TargetStatus, len(targets))
	order := make([]string, 0, len(targets))
	for _, tgt := range targets {
		if _, dup := updated[tgt.URI]; dup {
			continue
		}
		order = append(order, tgt.URI)
		if existing, ok := t.targets[tgt.URI]; ok {
			existing.Name = tgt.Name
			existing.Group = tgt.Group
			updated[tgt.URI] = existing
			continue
		}
		updated[tgt.URI] = &TargetStatus{
			Name:   tgt.Name,
			URI:    tgt.URI,
			Group:  tgt.Group,
			Health: HealthUnknown,
		}
	}

	t.targets = updated
	t.order = order
}

// GetTargetStatus returns a copy of a single target status.
func (t *TrackerImpl) GetTargetStatus(uri string) (TargetStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	target, ok := t.targets[uri]
	if !ok {
		return TargetStatus{}, false
	}
	return copyTargetStatus(target), true
}

func (t *TrackerImpl) appendHistory(target *TargetStatus, rtt time.Duration, at time.Time) {
	if t.historySize <= 0 {
		return
	}
	point := RTTPoint{Time: at, RTT: rtt}
	if len(target.History) < t.historySize {
		target.History = append(target.History, point)
		return
	}
	copy(target.History, target.History[1:])
	target.History[len(target.History)-1] = point
}

func copyTargetStatus(source *TargetStatus) TargetStatus {
	clone := *source
	if len(source.History) > 0 {
		clone.History = append([]RTTPoint(nil), source.History...)
	}
	return clone
}

// calculateRecentAvgRTT averages the most recent count data points.
func calculateRecentAvgRTT(history []RTTPoint, count int) time.Duration {
	if len(history) == 0 {
		return 0
	}

	start := len(history) - count
	if start < 0 {
		start = 0
	}

	var sum time.Duration
	for i := start; i < len(history); i++ {
		sum += history[i].RTT
	}
	return sum / time.Duration(len(history)-start)
}
