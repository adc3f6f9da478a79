package main

import (
	"testing"

	"github.com/c360studio/semspec/config"
)

func TestMaxParallel(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
		want int
	}{
		{
			name: "single agent default",
			cfg:  &config.Config{},
			want: 3,
		},
		{
			name: "multi agent below default does not shrink",
			cfg:  &config.Config{MultiAgentMode: true, MultiAgentCoderCount: 1},
			want: 3,
		},
		{
			name: "multi agent raises to coder count",
			cfg:  &config.Config{MultiAgentMode: true, MultiAgentCoderCount: 4},
			want: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maxParallel(tt.cfg); got != tt.want {
				t.Errorf("maxParallel() = %d, want %d", got, tt.want)
			}
		})
	}
}
