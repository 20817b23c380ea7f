package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatRecord_TimestampForms(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
	}{
		{"number", `{"timestamp": 1772366400, "state": "running"}`},
		{"numeric string", `{"timestamp": "1772366400", "state": "running"}`},
		{"rfc3339", `{"timestamp": "2026-03-01T12:00:00Z", "state": "running"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hb HeartbeatRecord
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &hb))
			assert.True(t, hb.Time().Equal(want), "got %s", hb.Time().UTC())
			assert.Equal(t, map[string]any{"state": "running"}, hb.Status)
		})
	}
}

func TestHeartbeatRecord_BadTimestamp(t *testing.T) {
	var hb HeartbeatRecord
	assert.Error(t, json.Unmarshal([]byte(`{"timestamp": "yesterday"}`), &hb))
	assert.Error(t, json.Unmarshal([]byte(`{"state": "running"}`), &hb))
}
