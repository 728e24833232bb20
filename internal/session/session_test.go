package session

import "testing"

func TestManagerRoundTrip(t *testing.T) {
	t.Parallel()
	m := NewManager()

	if got := m.Get(1); got.Mode != ModeIdle {
		t.Fatalf("fresh user Mode = %v, want idle", got.Mode)
	}

	m.Set(1, State{Mode: ModeAwaitingCode})
	if got := m.Get(1); got.Mode != ModeAwaitingCode {
		t.Fatalf("Mode = %v, want awaiting_code", got.Mode)
	}

	m.Set(1, State{Mode: ModeAwaitingBulkFile, ChatID: -100})
	got := m.Get(1)
	if got.Mode != ModeAwaitingBulkFile || got.ChatID != -100 {
		t.Fatalf("State = %+v", got)
	}

	m.Clear(1)
	if got := m.Get(1); got.Mode != ModeIdle {
		t.Fatalf("Mode after Clear = %v, want idle", got.Mode)
	}

	// Setting idle behaves like Clear.
	m.Set(2, State{Mode: ModeAwaitingPost})
	m.Set(2, State{Mode: ModeIdle})
	if got := m.Get(2); got.Mode != ModeIdle {
		t.Fatalf("Mode = %v, want idle", got.Mode)
	}
}

func TestModeString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode Mode
		want string
	}{
		{ModeIdle, "idle"},
		{ModeAwaitingCode, "awaiting_code"},
		{ModeAwaitingPost, "awaiting_post"},
		{ModeAwaitingBulkFile, "awaiting_bulk_file"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Fatalf("%d.String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}
