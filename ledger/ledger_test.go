package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func msg(id string, status Status) Message {
	return Message{
		ID:        id,
		Role:      RoleUser,
		Content:   "content-" + id,
		Timestamp: time.Now(),
		Status:    status,
	}
}

func ids(messages []Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestLedger_Append(t *testing.T) {
	l := New()
	l.Append(msg("a", StatusSending))
	l.Append(msg("b", StatusSending))

	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids(l.Messages())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestLedger_AppendDuplicateReplacesInPlace(t *testing.T) {
	l := New()
	l.Append(msg("a", StatusSending))
	l.Append(msg("b", StatusSending))

	replacement := msg("a", StatusDelivered)
	replacement.Content = "updated"
	l.Append(replacement)

	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (duplicate must not append)", l.Len())
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids(l.Messages())); diff != "" {
		t.Errorf("position not preserved (-want +got):\n%s", diff)
	}
	got, _ := l.Get("a")
	if got.Content != "updated" || got.Status != StatusDelivered {
		t.Errorf("Get(a) = %+v, want updated/delivered", got)
	}
}

func TestLedger_PrependBatch(t *testing.T) {
	l := New()
	l.Append(msg("c", StatusDelivered))
	l.Append(msg("d", StatusDelivered))

	l.PrependBatch([]Message{msg("a", StatusDelivered), msg("b", StatusDelivered)})

	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, ids(l.Messages())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestLedger_PrependBatchSkipsDuplicates(t *testing.T) {
	l := New()
	l.Append(msg("b", StatusDelivered))

	l.PrependBatch([]Message{msg("a", StatusDelivered), msg("b", StatusRead)})

	if diff := cmp.Diff([]string{"a", "b"}, ids(l.Messages())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	got, _ := l.Get("b")
	if got.Status != StatusDelivered {
		t.Errorf("existing message overwritten by history page: %+v", got)
	}
}

func TestLedger_UpdateStatus(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusSending, StatusStreaming, true},
		{StatusSending, StatusDelivered, true},
		{StatusSending, StatusFailed, true},
		{StatusStreaming, StatusDelivered, true},
		{StatusStreaming, StatusFailed, true},
		{StatusFailed, StatusSending, true},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusSending, false},
		{StatusDelivered, StatusFailed, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusDelivered, false},
		{StatusStreaming, StatusSending, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			l := New()
			l.Append(msg("a", tt.from))

			if got := l.UpdateStatus("a", tt.to); got != tt.want {
				t.Errorf("UpdateStatus(%s→%s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}

			wantStatus := tt.from
			if tt.want {
				wantStatus = tt.to
			}
			got, _ := l.Get("a")
			if got.Status != wantStatus {
				t.Errorf("status = %s, want %s", got.Status, wantStatus)
			}
		})
	}
}

func TestLedger_UpdateStatusUnknownID(t *testing.T) {
	l := New()
	if l.UpdateStatus("missing", StatusDelivered) {
		t.Error("UpdateStatus on unknown id should be rejected")
	}
}

func TestLedger_TrimToCapacity(t *testing.T) {
	l := New()
	for i := 0; i < 150; i++ {
		l.Append(msg(fmt.Sprintf("m%03d", i), StatusDelivered))
	}

	l.TrimToCapacity(100)

	if l.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", l.Len())
	}

	want := make([]string, 100)
	for i := 0; i < 100; i++ {
		want[i] = fmt.Sprintf("m%03d", i+50)
	}
	if diff := cmp.Diff(want, ids(l.Messages())); diff != "" {
		t.Errorf("trim kept wrong entries (-want +got):\n%s", diff)
	}

	// Trimmed ids are fully forgotten, not just hidden.
	if _, ok := l.Get("m000"); ok {
		t.Error("trimmed message still resolvable by id")
	}
	if _, ok := l.Get("m149"); !ok {
		t.Error("newest message lost by trim")
	}
}

func TestLedger_TrimToCapacityNoop(t *testing.T) {
	l := New()
	l.Append(msg("a", StatusSending))
	l.TrimToCapacity(100)
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusDelivered, StatusRead, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusSending, StatusStreaming} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
