package commands

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"0.1.0", "leapflow v0.1.0\nWorkflow engine for data projects\n"},
		{"dev", "leapflow vdev\n"},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			cmd := NewVersionCommand(tt.version)
			var buf bytes.Buffer
			cmd.SetOut(&buf)
			cmd.SetArgs([]string{})

			if err := cmd.Execute(); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if !strings.HasPrefix(buf.String(), tt.want) {
				t.Errorf("output = %q, want prefix %q", buf.String(), tt.want)
			}
			if cmd.Short == "" || cmd.Long == "" {
				t.Error("version command needs Short and Long help")
			}
		})
	}
}
