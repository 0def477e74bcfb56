package websocket

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no allow-list", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"listed origin", []string{"https://desk.example.com"}, "https://desk.example.com", true},
		{"trailing slash and case", []string{"https://Desk.example.com/"}, "https://desk.example.com", true},
		{"unlisted origin", []string{"https://desk.example.com"}, "https://evil.example", false},
		{"scheme mismatch", []string{"https://desk.example.com"}, "http://desk.example.com", false},
		{"no origin header", []string{"https://desk.example.com"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upgrader := NewUpgrader(tt.allowed)
			req := httptest.NewRequest("GET", "/ws/agent", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, upgrader.CheckOrigin(req))
		})
	}
}
