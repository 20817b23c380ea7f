package logparse

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"TRACE", "TRACE"}, {"debug", "DEBUG"}, {"INF", "INFO"},
		{"WARNING", "WARN"}, {"wrn", "WARN"},
		{"ERR", "ERROR"}, {"ERROR_CODE_42", "ERROR"},
		{"CRITICAL", "FATAL"}, {"PANIC", "FATAL"}, {"FATAL_CRASH", "FATAL"},
		{"", "INFO"}, {"foo", "INFO"}, {"  warn  ", "WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"2024-01-01 INFO Starting test run", "INFO"},
		{"ERROR: fixture not found", "ERROR"},
		{"[WARN] retrying step 3", "WARN"},
		{"CRITICAL power supply fault", "FATAL"},
		{`{"level":"error","msg":"info lookup failed"}`, "ERROR"},
		{"ts=1 level=warn msg=\"error budget low\"", "WARN"},
		{"no level here", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Level(tt.input); got != tt.expected {
				t.Errorf("Level(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
