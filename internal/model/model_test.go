package model

import (
	"regexp"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewConnectionIDFormat(t *testing.T) {
	id := NewConnectionID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewConnectionID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewConnectionIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewConnectionID()
		if seen[id] {
			t.Fatalf("NewConnectionID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestNewSessionIDUniqueness(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == "" || a == b {
		t.Errorf("NewSessionID() = %q, %q; want distinct non-empty values", a, b)
	}
}

func TestStatusDerivation(t *testing.T) {
	now := time.Now().UTC()
	later := now.Add(time.Minute)

	// Every flag combination reachable through the lifecycle, plus the
	// precedence cases (finished wins over wait_till, wait_till over
	// stopped_at). Exactly one status must hold for each.
	tests := []struct {
		name string
		exec Execution
		want string
	}{
		{"created", Execution{}, StatusNew},
		{"started", Execution{StartedAt: &now}, StatusRunning},
		{"suspended", Execution{StartedAt: &now, WaitTill: &later}, StatusWaiting},
		{"suspended indefinitely", Execution{StartedAt: &now, WaitTill: &WaitIndefinitely}, StatusWaiting},
		{"succeeded", Execution{StartedAt: &now, StoppedAt: &later, Finished: true}, StatusSuccess},
		{"failed", Execution{StartedAt: &now, StoppedAt: &later}, StatusError},
		{"finished wins over wait_till", Execution{StartedAt: &now, WaitTill: &later, Finished: true}, StatusSuccess},
		{"wait_till wins over stopped_at", Execution{StartedAt: &now, StoppedAt: &later, WaitTill: &later}, StatusWaiting},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.exec.Status(); got != tc.want {
				t.Errorf("Status() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusNew, StatusRunning, true},
		{StatusRunning, StatusWaiting, true},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusError, true},
		{StatusWaiting, StatusRunning, true},
		{StatusNew, StatusSuccess, false},
		{StatusNew, StatusWaiting, false},
		{StatusWaiting, StatusSuccess, false},
		{StatusWaiting, StatusError, false},
		{StatusSuccess, StatusRunning, false},
		{StatusError, StatusRunning, false},
		{StatusSuccess, StatusError, false},
	}

	for _, tc := range tests {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestValidMode(t *testing.T) {
	for _, m := range []string{ModeManual, ModeTrigger, ModeWebhook, ModeRetry, ModeCLI, ModeError} {
		if !ValidMode(m) {
			t.Errorf("ValidMode(%q) = false, want true", m)
		}
	}
	if ValidMode("interactive") {
		t.Error(`ValidMode("interactive") = true, want false`)
	}
}

func TestParseFilterStatus(t *testing.T) {
	for _, s := range []string{StatusSuccess, StatusWaiting, StatusError} {
		got, err := ParseFilterStatus(s)
		if err != nil || got != s {
			t.Errorf("ParseFilterStatus(%q) = %q, %v", s, got, err)
		}
	}

	// new and running are valid derived statuses but not filterable on the
	// query surface.
	for _, s := range []string{StatusNew, StatusRunning, "bogus", ""} {
		if _, err := ParseFilterStatus(s); err == nil {
			t.Errorf("ParseFilterStatus(%q) succeeded, want error", s)
		}
	}
}
