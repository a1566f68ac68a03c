package postgres

import (
	"testing"

	"SignalDesk/internal/store"
)

func TestParseNotification(t *testing.T) {
	tests := []struct {
		payload string
		op      store.ChangeType
		id      string
		wantErr bool
	}{
		{"INSERT:abc-123", store.ChangeInsert, "abc-123", false},
		{"UPDATE:u1", store.ChangeUpdate, "u1", false},
		{"DELETE:x", store.ChangeDelete, "x", false},
		{"TRUNCATE:x", "", "", true},
		{"INSERT:", "", "", true},
		{"garbage", "", "", true},
	}
	for _, tt := range tests {
		op, id, err := ParseNotification(tt.payload)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.payload)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.payload, err)
			continue
		}
		if op != tt.op || id != tt.id {
			t.Errorf("%q: got (%s, %s), want (%s, %s)", tt.payload, op, id, tt.op, tt.id)
		}
	}
}
