package cli

import (
	"testing"
	"time"
)

func TestParseTimeFlag(t *testing.T) {
	now := time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value   string
		want    time.Time
		wantNil bool
		wantErr bool
	}{
		{value: "", wantNil: true},
		{value: "2025-01-01T00:00:00Z", want: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{value: "24h", want: now.Add(-24 * time.Hour)},
		{value: "90m", want: now.Add(-90 * time.Minute)},
		{value: "-1h", wantErr: true},
		{value: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseTimeFlag("from", tt.value, now)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.value)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.value, err)
			continue
		}
		if tt.wantNil {
			if got != nil {
				t.Errorf("%q: expected nil, got %s", tt.value, got)
			}
			continue
		}
		if got == nil || !got.Equal(tt.want) {
			t.Errorf("%q: got %v, want %s", tt.value, got, tt.want)
		}
	}
}
