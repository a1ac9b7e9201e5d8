package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKeySegment(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"203.0.113.10", "203.0.113.10"},
		{"2001:db8::1", "2001_cdb8_c_c1"},
		{"user_admin", "user__admin"},
		{"a_:b", "a___cb"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, SanitizeKeySegment(tt.in))
		assert.Equal(t, tt.in, UnsanitizeKeySegment(tt.out))
	}
}

func TestSanitizeKeySegmentIsInjective(t *testing.T) {
	inputs := []string{"a:b", "a_cb", "a__cb", "a_:b", "a:_b", "a::b", "a_c_cb"}
	seen := map[string]string{}
	for _, in := range inputs {
		out := SanitizeKeySegment(in)
		if prev, dup := seen[out]; dup {
			t.Fatalf("%q and %q both sanitize to %q", prev, in, out)
		}
		seen[out] = in
	}
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "rl:auth:ip:203.0.113.10", RateLimitKey(ScopeAuth, Subject{IP: "203.0.113.10"}))
	assert.Equal(t, "rl:leads:user:u__1", RateLimitKey(ScopeLeads, Subject{IP: "203.0.113.10", UserID: "u_1"}))
	assert.NotEqual(t,
		RateLimitKey(ScopeAPI, Subject{UserID: "x:ip:1"}),
		RateLimitKey(ScopeAPI, Subject{IP: "1", UserID: "x"}),
	)
}

func TestRoleMultiplier(t *testing.T) {
	assert.Equal(t, 5.0, RoleMultiplier(RoleAdmin))
	assert.Equal(t, 3.0, RoleMultiplier(RoleManager))
	assert.Equal(t, 1.0, RoleMultiplier("CONTRACTOR"))
	assert.Equal(t, 1.0, RoleMultiplier(""))
}
