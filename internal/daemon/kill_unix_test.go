//go:build !windows

package daemon

import "testing"

func TestIsRevgatedCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmdLine string
		want    bool
	}{
		{
			name:    "bare binary",
			cmdLine: "/usr/local/bin/revgated",
			want:    true,
		},
		{
			name:    "binary with flags",
			cmdLine: "/usr/local/bin/revgated -addr :8765 -workers 4",
			want:    true,
		},
		{
			name:    "go run",
			cmdLine: "go run ./cmd/revgated",
			want:    false,
		},
		{
			name:    "unrelated binary",
			cmdLine: "/usr/local/bin/revgatectl status",
			want:    false,
		},
		{
			name:    "unrelated process",
			cmdLine: "/usr/bin/vim",
			want:    false,
		},
		{
			name:    "empty string",
			cmdLine: "",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isRevgatedCommand(tt.cmdLine)
			if got != tt.want {
				t.Errorf("isRevgatedCommand(%q) = %v, want %v", tt.cmdLine, got, tt.want)
			}
		})
	}
}
