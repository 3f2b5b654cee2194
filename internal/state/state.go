package state

import (
	"time"

	"github.com/doridoridoriand/netwatch/internal/config"
	"github.com/doridoridoriand/netwatch/internal/probe"
)

// Connectivity is the latest probe-derived judgment.
type Connectivity string

const (
	ConnectivityUnknown     Connectivity = "UNKNOWN"
	ConnectivityChecking    Connectivity = "CHECKING"
	ConnectivityReachable   Connectivity = "REACHABLE"
	ConnectivityUnreachable Connectivity = "UNREACHABLE"
)

// Overall is the reconciled state of OS signal and probe judgment.
type Overall string

const (
	OverallUnknown      Overall = "UNKNOWN"
	OverallConnected    Overall = "CONNECTED"
	OverallDisconnected Overall = "DISCONNECTED"
	OverallChecking     Overall = "CHECKING"
)

// Health is a per-target display classification.
type Health string

const (
	HealthUnknown Health = "UNKNOWN"
	HealthOK      Health = "OK"
	HealthWarn    Health = "WARN"
	HealthDown    Health = "DOWN"
)

// RTTPoint records a single RTT measurement.
type RTTPoint struct {
	Time time.Time
	RTT  time.Duration
}

// TargetStatus captures the probe history of one target.
type TargetStatus struct {
	Name          string
	URI           string
	Group         string
	LastRTT       time.Duration
	LastSuccessAt time.Time
	LastFailureAt time.Time
	LastError     string
	ConsecutiveOK int
	ConsecutiveNG int
	TotalSuccess  int
	TotalFailure  int
	Health        Health
	History       []RTTPoint
}

// SessionTiming holds the timestamps of one monitoring session. A zero
// time means the field is empty.
type SessionTiming struct {
	ConnectionStart     time.Time
	LastDisconnection   time.Time
	LastSuccessfulCheck time.Time
	LastCheck           time.Time
}

// Tracker holds the latest probe judgment and the raw OS signal.
type Tracker interface {
	RecordOutcome(out probe.Outcome)
	BeginCheck()
	SetOSOnline(online bool)
	MarkUnreachable()
	OSOnline() bool
	Current() Connectivity
	Reset()
	GetSnapshot() []TargetStatus
	GetTargetStatus(uri string) (TargetStatus, bool)
	UpdateTargets(targets []config.TargetConfig)
}
