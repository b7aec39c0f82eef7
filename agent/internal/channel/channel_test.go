package channel

import (
	"io"
	"log/slog"
	"testing"

	"github.com/fieldsignal/rf-range/pkg/types"
)

func testChannel(t *testing.T, baseURL string) *Channel {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{BaseURL: baseURL, AgentID: "a1"}, func(types.PushEvent) {}, nil, logger)
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://range.example.net", "wss://range.example.net/api/v1/agents/a1/channel"},
		{"http://localhost:8080", "ws://localhost:8080/api/v1/agents/a1/channel"},
	}

	for _, tt := range tests {
		c := testChannel(t, tt.base)
		if got := c.channelURL(); got != tt.want {
			t.Errorf("channelURL(%s): got %s, want %s", tt.base, got, tt.want)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	c := testChannel(t, "http://localhost:8080")
	if c.config.ReconnectMin <= 0 || c.config.ReconnectMax < c.config.ReconnectMin {
		t.Errorf("backoff bounds not defaulted: min=%v max=%v",
			c.config.ReconnectMin, c.config.ReconnectMax)
	}
}
