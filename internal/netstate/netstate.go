// Package netstate tracks the operating system's view of network
// availability and reports online/offline changes.
package netstate

import (
	"context"
	"net"
	"sync"
	"time"
)

// DefaultPoll is the interface polling interval.
const DefaultPoll = 2 * time.Second

// CheckFunc returns whether the host currently has a usable network.
type CheckFunc func() bool

// Watcher polls a CheckFunc and reports edges.
type Watcher struct {
	mu       sync.RWMutex
	check    CheckFunc
	interval time.Duration
	online   bool
}

// NewWatcher returns a watcher seeded with one synchronous check. A nil
// check uses InterfacesUp.
func NewWatcher(interval time.Duration, check CheckFunc) *Watcher {
	if check == nil {
		check = InterfacesUp
	}
	if interval <= 0 {
		interval = DefaultPoll
	}
	return &Watcher{check: check, interval: interval, online: check()}
}

// Online returns the last observed value.
func (w *Watcher) Online() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.online
}

// Run polls until ctx is cancelled and calls onChange on every flip.
func (w *Watcher) Run(ctx context.Context, onChange func(online bool)) {
	for {
		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if online, changed := w.Poll(); changed && onChange != nil {
			onChange(online)
		}
	}
}

// Poll runs one check and reports whether the value changed.
func (w *Watcher) Poll() (online bool, changed bool) {
	current := w.check()
	w.mu.Lock()
	defer w.mu.Unlock()
	changed = current != w.online
	w.online = current
	return current, changed
}

// InterfacesUp reports whether any non-loopback interface is up with a
// global unicast address.
func InterfacesUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && ipnet.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}
