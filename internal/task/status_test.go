package task

import "testing"

// TestCanTransition verifies the status state machine edges.
func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to queued", StatusPending, StatusQueued, true},
		{"queued to assigned", StatusQueued, StatusAssigned, true},
		{"assigned to in progress", StatusAssigned, StatusInProgress, true},
		{"in progress to completed", StatusInProgress, StatusCompleted, true},
		{"in progress to failed", StatusInProgress, StatusFailed, true},
		{"queued to cancelled", StatusQueued, StatusCancelled, true},
		{"in progress to under review", StatusInProgress, StatusUnderReview, true},
		{"under review to validation", StatusUnderReview, StatusValidationInProgress, true},
		{"validation back to in progress (needs work)", StatusValidationInProgress, StatusInProgress, true},
		{"validation to completed", StatusValidationInProgress, StatusCompleted, true},
		{"pending straight to in progress", StatusPending, StatusInProgress, false},
		{"completed is terminal", StatusCompleted, StatusQueued, false},
		{"failed is terminal", StatusFailed, StatusInProgress, false},
		{"cancelled is terminal", StatusCancelled, StatusQueued, false},
		{"queued cannot complete directly", StatusQueued, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminals {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	live := []Status{StatusPending, StatusQueued, StatusAssigned, StatusInProgress, StatusUnderReview, StatusValidationInProgress}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	if !StatusCompleted.IsTerminalSuccess() {
		t.Error("COMPLETED should be terminal success")
	}
	if StatusFailed.IsTerminalSuccess() || StatusCancelled.IsTerminalSuccess() {
		t.Error("FAILED/CANCELLED must not satisfy a dependency barrier")
	}
}

func TestClone(t *testing.T) {
	orig := New("ticket-1", "implementation", "build the thing", PriorityHigh)
	orig.DependsOn = []string{"a", "b"}
	orig.Metadata["key"] = "value"

	cp := orig.Clone()
	cp.DependsOn[0] = "mutated"
	cp.Metadata["key"] = "mutated"

	if orig.DependsOn[0] != "a" {
		t.Error("Clone shares DependsOn backing array")
	}
	if orig.Metadata["key"] != "value" {
		t.Error("Clone shares Metadata map")
	}
}
