package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOrigins(t *testing.T) {
	assert.Nil(t, ParseOrigins(""))
	assert.Equal(t,
		[]string{"http://localhost:3000", "https://app.example.com"},
		ParseOrigins("http://localhost:3000, https://app.example.com,"))
}

func TestOriginAllowed_NonBrowser(t *testing.T) {
	req := httptest.NewRequest("GET", "http://relay.local/doc-1", nil)
	// No Origin header at all: curl, sibling relays, the bridge.
	assert.NoError(t, OriginAllowed(req, nil))
	assert.NoError(t, OriginAllowed(req, []string{"https://app.example.com"}))
}

func TestOriginAllowed_SameHostDefault(t *testing.T) {
	req := httptest.NewRequest("GET", "http://relay.local:9001/doc-1", nil)
	req.Host = "relay.local:9001"

	req.Header.Set("Origin", "http://relay.local:9001")
	assert.NoError(t, OriginAllowed(req, nil))

	req.Header.Set("Origin", "http://evil.example.com")
	err := OriginAllowed(req, nil)
	assert.ErrorIs(t, err, ErrOriginNotAllowed)
}

func TestOriginAllowed_Allowlist(t *testing.T) {
	allowed := []string{"https://app.example.com", "http://localhost:3000"}

	tests := []struct {
		name   string
		origin string
		wantOK bool
	}{
		{"exact match", "https://app.example.com", true},
		{"second entry", "http://localhost:3000", true},
		{"scheme mismatch", "http://app.example.com", false},
		{"host mismatch", "https://other.example.com", false},
		{"case-insensitive host", "https://APP.example.com", true},
		{"subdomain is not a match", "https://sub.app.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://relay.local/doc-1", nil)
			req.Header.Set("Origin", tt.origin)
			err := OriginAllowed(req, allowed)
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrOriginNotAllowed)
			}
		})
	}
}

func TestOriginAllowed_GarbageOrigin(t *testing.T) {
	req := httptest.NewRequest("GET", "http://relay.local/doc-1", nil)
	req.Header.Set("Origin", "http://bad\x7forigin")
	assert.Error(t, OriginAllowed(req, []string{"http://localhost:3000"}))
}
