package main

import "testing"

func TestParseFlowArgs(t *testing.T) {
	tests := []struct {
		args      []string
		core      int
		limit     int
		wantError bool
	}{
		{[]string{"core", "0"}, 0, 0, false},
		{[]string{"core", "3", "limit", "50"}, 3, 50, false},
		{[]string{"limit", "5", "core", "1"}, 1, 5, false},
		{nil, 0, 0, true},
		{[]string{"core"}, 0, 0, true},
		{[]string{"core", "x"}, 0, 0, true},
		{[]string{"core", "-1"}, 0, 0, true},
		{[]string{"core", "0", "limit", "0"}, 0, 0, true},
		{[]string{"core", "0", "sort", "1"}, 0, 0, true},
		{[]string{"limit", "10"}, 0, 0, true},
	}
	for _, tt := range tests {
		core, limit, err := parseFlowArgs(tt.args)
		if tt.wantError {
			if err == nil {
				t.Errorf("parseFlowArgs(%v) succeeded", tt.args)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseFlowArgs(%v): %v", tt.args, err)
			continue
		}
		if core != tt.core || limit != tt.limit {
			t.Errorf("parseFlowArgs(%v) = %d, %d, want %d, %d", tt.args, core, limit, tt.core, tt.limit)
		}
	}
}
