package models

import (
	"testing"
	"time"
)

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		status    Status
		expiresAt *time.Time
		expected  Status
	}{
		{"perpetual active", StatusActive, nil, StatusActive},
		{"active not yet expired", StatusActive, &future, StatusActive},
		{"active but overdue", StatusActive, &past, StatusExpired},
		{"suspended and overdue", StatusSuspended, &past, StatusExpired},
		{"suspended in date", StatusSuspended, &future, StatusSuspended},
		{"persisted expired", StatusExpired, &past, StatusExpired},
		{"expiry equal to now", StatusActive, &now, StatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveStatus(tt.status, tt.expiresAt, now)
			if got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestRemainingDays(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	perpetual := License{}
	if got := perpetual.RemainingDays(now); got != PerpetualDays {
		t.Errorf("Expected perpetual sentinel %d, got %d", PerpetualDays, got)
	}

	tests := []struct {
		name     string
		offset   time.Duration
		expected int
	}{
		{"exactly ten days", 10 * 24 * time.Hour, 10},
		{"ten and a half days", 10*24*time.Hour + 12*time.Hour, 10},
		{"less than a day", 3 * time.Hour, 0},
		{"one hour overdue", -time.Hour, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := now.Add(tt.offset)
			l := License{ExpiresAt: &exp}
			if got := l.RemainingDays(now); got != tt.expected {
				t.Errorf("Expected %d days, got %d", tt.expected, got)
			}
		})
	}
}

func TestOldestMachine_TieBreakByID(t *testing.T) {
	seen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := License{Machines: []Machine{
		{ID: 7, Fingerprint: "later-bound", LastSeen: seen},
		{ID: 3, Fingerprint: "first-bound", LastSeen: seen},
		{ID: 1, Fingerprint: "recent", LastSeen: seen.Add(time.Second)},
	}}

	oldest := l.OldestMachine()
	if oldest == nil {
		t.Fatal("Expected a machine, got nil")
	}
	if oldest.Fingerprint != "first-bound" {
		t.Errorf("Expected 'first-bound', got '%s'", oldest.Fingerprint)
	}

	empty := License{}
	if empty.OldestMachine() != nil {
		t.Error("Expected nil for license without machines")
	}
}

func TestSortMachines(t *testing.T) {
	seen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	machines := []Machine{
		{ID: 4, LastSeen: seen.Add(time.Minute)},
		{ID: 2, LastSeen: seen},
		{ID: 1, LastSeen: seen},
		{ID: 3, LastSeen: seen.Add(-time.Minute)},
	}

	SortMachines(machines)

	expected := []int64{3, 1, 2, 4}
	for i, id := range expected {
		if machines[i].ID != id {
			t.Errorf("Position %d: expected ID %d, got %d", i, id, machines[i].ID)
		}
	}
}

func TestNormalizeKey(t *testing.T) {
	if got := NormalizeKey("  ab12-cd34 "); got != "AB12-CD34" {
		t.Errorf("Expected 'AB12-CD34', got '%s'", got)
	}
}

func TestFindMachine(t *testing.T) {
	l := License{Machines: []Machine{{ID: 1, Fingerprint: "a"}, {ID: 2, Fingerprint: "b"}}}

	if m := l.FindMachine("b"); m == nil || m.ID != 2 {
		t.Errorf("Expected machine 2, got %v", m)
	}
	if m := l.FindMachine("c"); m != nil {
		t.Errorf("Expected nil, got %v", m)
	}
}

func TestStatusAndStrategyValid(t *testing.T) {
	if !StatusSuspended.Valid() || Status("PAUSED").Valid() || StatusInactive.Valid() {
		t.Error("Unexpected status validity")
	}
	if !StrategyStrict.Valid() || Strategy("ROUND_ROBIN").Valid() {
		t.Error("Unexpected strategy validity")
	}
}
