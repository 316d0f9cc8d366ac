// Package connection implements the lifecycle of a calendar connection:
// its sync states, the transitions between them and the retry schedule.
package connection

import (
	"errors"
	"fmt"
	"time"
)

// Status is the sync state of a connection.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusSyncing  Status = "syncing"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

var ErrInvalidTransition = errors.New("invalid connection state transition")

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSyncing, StatusError, StatusDisabled:
		return true
	}
	return false
}

// Dispatchable reports whether a connection in status s may start a sync.
func (s Status) Dispatchable() bool {
	return s == StatusPending || s == StatusActive || s == StatusError
}

// DispatchableStatuses lists the statuses a sync may be claimed from.
func DispatchableStatuses() []Status {
	return []Status{StatusPending, StatusActive, StatusError}
}

// Policy holds the retry and lease settings shared by all connections.
type Policy struct {
	RetryBase        time.Duration
	MaxBackoff       time.Duration
	MaxExponent      int
	FailureThreshold int
	LeaseTimeout     time.Duration
}

// DefaultPolicy returns the built-in retry settings.
func DefaultPolicy() Policy {
	return Policy{
		RetryBase:        5 * time.Minute,
		MaxBackoff:       6 * time.Hour,
		MaxExponent:      6,
		FailureThreshold: 3,
		LeaseTimeout:     time.Minute,
	}
}

// Backoff returns the retry delay after failures consecutive failures:
// RetryBase * 2^min(failures, MaxExponent), capped at MaxBackoff.
func (p Policy) Backoff(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	exp := failures
	if exp > p.MaxExponent {
		exp = p.MaxExponent
	}
	if exp > 30 {
		exp = 30
	}

	d := p.RetryBase
	for i := 0; i < exp; i++ {
		d *= 2
		if d >= p.MaxBackoff || d <= 0 {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// LeaseDeadline returns when a sync dispatched at now must be finished.
func (p Policy) LeaseDeadline(now time.Time) time.Time {
	return now.Add(p.LeaseTimeout)
}

// State is the mutable lifecycle part of a connection.
type State struct {
	Status              Status
	SyncEnabled         bool
	NextSyncAt          time.Time
	ConsecutiveFailures int
	LeaseExpiresAt      *time.Time
}

// NewState is the state of a freshly created connection.
func NewState(now time.Time) State {
	return State{Status: StatusPending, SyncEnabled: true, NextSyncAt: now}
}

// Dispatch moves a pending, active or errored connection to syncing with a lease.
func (s State) Dispatch(p Policy, now time.Time) (State, error) {
	if !s.Status.Dispatchable() {
		return s, fmt.Errorf("%w: cannot dispatch from %s", ErrInvalidTransition, s.Status)
	}
	lease := p.LeaseDeadline(now)
	s.Status = StatusSyncing
	s.LeaseExpiresAt = &lease
	return s, nil
}

// ForceDispatch is Dispatch for an explicit user override: it also accepts a
// disabled connection. Only a sync already in flight is refused.
func (s State) ForceDispatch(p Policy, now time.Time) (State, error) {
	if s.Status == StatusSyncing {
		return s, fmt.Errorf("%w: already syncing", ErrInvalidTransition)
	}
	lease := p.LeaseDeadline(now)
	s.Status = StatusSyncing
	s.LeaseExpiresAt = &lease
	return s, nil
}

// Succeed records a successful sync. A forced sync of a disabled connection
// that succeeds turns scheduling back on.
func (s State) Succeed(now time.Time, interval time.Duration) (State, error) {
	if s.Status != StatusSyncing {
		return s, fmt.Errorf("%w: cannot succeed from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusActive
	s.SyncEnabled = true
	s.ConsecutiveFailures = 0
	s.NextSyncAt = now.Add(interval)
	s.LeaseExpiresAt = nil
	return s, nil
}

// Fail records a failed sync. Reaching the policy's failure threshold disables
// the connection until it is re-enabled.
func (s State) Fail(p Policy, now time.Time) (State, error) {
	if s.Status != StatusSyncing {
		return s, fmt.Errorf("%w: cannot fail from %s", ErrInvalidTransition, s.Status)
	}
	s.ConsecutiveFailures++
	s.NextSyncAt = now.Add(p.Backoff(s.ConsecutiveFailures))
	s.LeaseExpiresAt = nil

	if p.FailureThreshold > 0 && s.ConsecutiveFailures >= p.FailureThreshold {
		s.Status = StatusDisabled
		s.SyncEnabled = false
	} else {
		s.Status = StatusError
	}
	return s, nil
}

// Disable stops scheduling a connection that is not currently syncing.
func (s State) Disable() (State, error) {
	if s.Status == StatusSyncing {
		return s, fmt.Errorf("%w: cannot disable while syncing", ErrInvalidTransition)
	}
	s.Status = StatusDisabled
	s.SyncEnabled = false
	return s, nil
}

// Reenable returns a disabled or errored connection to pending and schedules it now.
func (s State) Reenable(now time.Time) (State, error) {
	if s.Status != StatusDisabled && s.Status != StatusError {
		return s, fmt.Errorf("%w: cannot re-enable from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusPending
	s.SyncEnabled = true
	s.ConsecutiveFailures = 0
	s.NextSyncAt = now
	s.LeaseExpiresAt = nil
	return s, nil
}

// Due reports whether the scheduler should pick the connection up at now.
func (s State) Due(now time.Time) bool {
	return s.SyncEnabled && s.Status != StatusSyncing && s.Status != StatusDisabled && !s.NextSyncAt.After(now)
}

// LeaseExpired reports whether a syncing connection has outlived its lease.
func (s State) LeaseExpired(now time.Time) bool {
	return s.Status == StatusSyncing && s.LeaseExpiresAt != nil && now.After(*s.LeaseExpiresAt)
}

// Reason is the user-facing explanation shown next to a connection's status.
func Reason(status Status, lastError string) string {
	switch status {
	case StatusError:
		if lastError == "" {
			return "The last sync failed and will be retried automatically"
		}
		return lastError
	case StatusDisabled:
		if lastError == "" {
			return "Syncing is turned off for this calendar"
		}
		return lastError + ". Syncing is paused until the calendar is re-enabled"
	}
	return ""
}
