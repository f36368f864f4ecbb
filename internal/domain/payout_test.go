package domain

import "testing"

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from PayoutState
		to   PayoutState
		want bool
	}{
		{name: "pending to processing", from: StatePending, to: StateProcessing, want: true},
		{name: "pending to failed via cancellation", from: StatePending, to: StateFailed, want: true},
		{name: "processing to retry", from: StateProcessing, to: StateRetry, want: true},
		{name: "processing to completed", from: StateProcessing, to: StateCompleted, want: true},
		{name: "processing to failed", from: StateProcessing, to: StateFailed, want: true},
		{name: "retry to processing", from: StateRetry, to: StateProcessing, want: true},
		{name: "retry to completed via late callback", from: StateRetry, to: StateCompleted, want: true},
		{name: "retry to dead on exhaustion", from: StateRetry, to: StateDead, want: true},
		{name: "pending cannot complete without dispatch", from: StatePending, to: StateCompleted, want: false},
		{name: "completed is terminal", from: StateCompleted, to: StateProcessing, want: false},
		{name: "failed is terminal", from: StateFailed, to: StateRetry, want: false},
		{name: "dead is terminal", from: StateDead, to: StateProcessing, want: false},
		{name: "processing cannot jump to dead", from: StateProcessing, to: StateDead, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("expected %s->%s valid=%t, got %t", tt.from, tt.to, tt.want, got)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	terminal := []PayoutState{StateCompleted, StateFailed, StateDead}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	live := []PayoutState{StatePending, StateProcessing, StateRetry}
	for _, s := range live {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}

func TestPayoutMethodValid(t *testing.T) {
	if !MethodMobileMoney.Valid() || !MethodWallet.Valid() {
		t.Fatal("expected supported methods to be valid")
	}
	if PayoutMethod("cash_under_the_door").Valid() {
		t.Fatal("expected unknown method to be invalid")
	}
}
