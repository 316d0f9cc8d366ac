package connection

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var now = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestDispatch(t *testing.T) {
	p := DefaultPolicy()

	testCases := []struct {
		from    Status
		wantErr bool
	}{
		{StatusPending, false},
		{StatusActive, false},
		{StatusError, false},
		{StatusSyncing, true},
		{StatusDisabled, true},
	}

	for _, tc := range testCases {
		t.Run(string(tc.from), func(t *testing.T) {
			s := State{Status: tc.from, SyncEnabled: true}
			next, err := s.Dispatch(p, now)

			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
				if next.Status != tc.from {
					t.Errorf("failed transition must not change state")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if next.Status != StatusSyncing {
				t.Errorf("expected syncing, got %s", next.Status)
			}
			if next.LeaseExpiresAt == nil || !next.LeaseExpiresAt.Equal(now.Add(p.LeaseTimeout)) {
				t.Errorf("expected lease at now+%v, got %v", p.LeaseTimeout, next.LeaseExpiresAt)
			}
		})
	}
}

func TestSucceed(t *testing.T) {
	s := State{Status: StatusSyncing, SyncEnabled: true, ConsecutiveFailures: 2}
	lease := now
	s.LeaseExpiresAt = &lease

	next, err := s.Succeed(now, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != StatusActive {
		t.Errorf("expected active, got %s", next.Status)
	}
	if next.ConsecutiveFailures != 0 {
		t.Errorf("expected failures reset, got %d", next.ConsecutiveFailures)
	}
	if !next.NextSyncAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expected next sync in 1h, got %v", next.NextSyncAt)
	}
	if next.LeaseExpiresAt != nil {
		t.Error("expected lease to be cleared")
	}

	if _, err := (State{Status: StatusActive}).Succeed(now, time.Hour); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("succeed outside syncing should fail, got %v", err)
	}
}

func TestFailUntilDisabled(t *testing.T) {
	p := DefaultPolicy()
	s := NewState(now)

	// Three consecutive failures with threshold 3
	expected := []Status{StatusError, StatusError, StatusDisabled}
	for i, want := range expected {
		var err error
		s, err = s.Dispatch(p, now)
		if err != nil {
			t.Fatalf("attempt %d: dispatch: %v", i+1, err)
		}
		s, err = s.Fail(p, now)
		if err != nil {
			t.Fatalf("attempt %d: fail: %v", i+1, err)
		}
		if s.Status != want {
			t.Errorf("attempt %d: expected %s, got %s", i+1, want, s.Status)
		}
		if s.ConsecutiveFailures != i+1 {
			t.Errorf("attempt %d: expected %d failures, got %d", i+1, i+1, s.ConsecutiveFailures)
		}
		if !s.NextSyncAt.Equal(now.Add(p.Backoff(i + 1))) {
			t.Errorf("attempt %d: unexpected next sync %v", i+1, s.NextSyncAt)
		}
	}

	if s.SyncEnabled {
		t.Error("expected sync_enabled to be false after reaching the threshold")
	}
	if _, err := s.Dispatch(p, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("disabled connection must not be dispatched, got %v", err)
	}
	if s.Due(now.Add(24 * time.Hour)) {
		t.Error("disabled connection must never be due")
	}
}

func TestReenable(t *testing.T) {
	s := State{Status: StatusDisabled, SyncEnabled: false, ConsecutiveFailures: 3, NextSyncAt: now.Add(time.Hour)}

	next, err := s.Reenable(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != StatusPending || !next.SyncEnabled || next.ConsecutiveFailures != 0 {
		t.Errorf("unexpected state after re-enable: %+v", next)
	}
	if !next.Due(now) {
		t.Error("re-enabled connection should be due immediately")
	}

	for _, from := range []Status{StatusPending, StatusActive, StatusSyncing} {
		if _, err := (State{Status: from}).Reenable(now); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("re-enable from %s should fail, got %v", from, err)
		}
	}
}

func TestForceDispatch(t *testing.T) {
	p := DefaultPolicy()
	s := State{Status: StatusDisabled, SyncEnabled: false, ConsecutiveFailures: 3}

	next, err := s.ForceDispatch(p, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != StatusSyncing {
		t.Errorf("expected syncing, got %s", next.Status)
	}

	done, err := next.Succeed(now, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done.SyncEnabled || done.Status != StatusActive {
		t.Errorf("a successful forced sync should re-enable scheduling: %+v", done)
	}

	failed, err := next.Fail(p, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed.Status != StatusDisabled || failed.SyncEnabled {
		t.Errorf("a failed forced sync should stay disabled: %+v", failed)
	}

	if _, err := (State{Status: StatusSyncing}).ForceDispatch(p, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("forcing a syncing connection should fail, got %v", err)
	}
}

func TestDisable(t *testing.T) {
	next, err := State{Status: StatusActive, SyncEnabled: true}.Disable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != StatusDisabled || next.SyncEnabled {
		t.Errorf("unexpected state after disable: %+v", next)
	}

	if _, err := (State{Status: StatusSyncing}).Disable(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("disable while syncing should fail, got %v", err)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	p := Policy{RetryBase: time.Minute, MaxBackoff: time.Hour, MaxExponent: 10}

	prev := time.Duration(0)
	for n := 0; n <= 40; n++ {
		d := p.Backoff(n)
		if d < prev {
			t.Fatalf("backoff decreased at n=%d: %v < %v", n, d, prev)
		}
		if d > p.MaxBackoff {
			t.Fatalf("backoff exceeded ceiling at n=%d: %v", n, d)
		}
		prev = d
	}
	if prev != time.Hour {
		t.Errorf("expected backoff to reach the ceiling, got %v", prev)
	}
}

func TestBackoffValues(t *testing.T) {
	p := Policy{RetryBase: time.Minute, MaxBackoff: time.Hour, MaxExponent: 3}

	testCases := []struct {
		failures int
		expected time.Duration
	}{
		{-1, time.Minute},
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 8 * time.Minute},
		{100, 8 * time.Minute},
	}

	for _, tc := range testCases {
		if got := p.Backoff(tc.failures); got != tc.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tc.failures, got, tc.expected)
		}
	}

	huge := Policy{RetryBase: time.Hour, MaxBackoff: 24 * time.Hour, MaxExponent: 1000}
	if got := huge.Backoff(1000); got != 24*time.Hour {
		t.Errorf("expected overflow-safe ceiling, got %v", got)
	}
}

func TestDueAndLease(t *testing.T) {
	lease := now.Add(time.Minute)

	testCases := []struct {
		name    string
		state   State
		due     bool
		expired bool
	}{
		{"pending now", State{Status: StatusPending, SyncEnabled: true, NextSyncAt: now}, true, false},
		{"active future", State{Status: StatusActive, SyncEnabled: true, NextSyncAt: now.Add(time.Minute)}, false, false},
		{"kill switch", State{Status: StatusActive, SyncEnabled: false, NextSyncAt: now}, false, false},
		{"syncing within lease", State{Status: StatusSyncing, SyncEnabled: true, LeaseExpiresAt: &lease}, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.state.Due(now); got != tc.due {
				t.Errorf("Due = %v, want %v", got, tc.due)
			}
			if got := tc.state.LeaseExpired(now); got != tc.expired {
				t.Errorf("LeaseExpired = %v, want %v", got, tc.expired)
			}
		})
	}

	stuck := State{Status: StatusSyncing, LeaseExpiresAt: &lease}
	if !stuck.LeaseExpired(now.Add(2 * time.Minute)) {
		t.Error("expected lease to be expired")
	}
}

func TestReason(t *testing.T) {
	if Reason(StatusActive, "boom") != "" {
		t.Error("active connections have no reason")
	}
	if got := Reason(StatusError, "The calendar feed did not respond in time"); got != "The calendar feed did not respond in time" {
		t.Errorf("unexpected error reason %q", got)
	}
	if got := Reason(StatusDisabled, "DNS failed"); !strings.Contains(got, "re-enabled") {
		t.Errorf("expected re-enable hint, got %q", got)
	}
	if Reason(StatusError, "") == "" {
		t.Error("expected a default reason for errors")
	}
}
