package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "bulwark/pkg/domain-errors"
)

type blockRequest struct {
	IP              string `validate:"required,ip"`
	Reason          string `validate:"required,notblank,max=20"`
	DurationSeconds int    `validate:"omitempty,min=60"`
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     blockRequest
		message string
	}{
		{"missing ip", blockRequest{Reason: "abuse"}, "ip is required"},
		{"bad ip", blockRequest{IP: "999.1.1.1", Reason: "abuse"}, "ip must be a valid ip address"},
		{"blank reason", blockRequest{IP: "1.2.3.4", Reason: "   "}, "reason must not be blank"},
		{"long reason", blockRequest{IP: "1.2.3.4", Reason: "this reason is far too long"}, "reason must be at most 20"},
		{"short duration", blockRequest{IP: "1.2.3.4", Reason: "abuse", DurationSeconds: 5}, "duration_seconds must be at least 60"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
			assert.EqualError(t, err, tt.message)
		})
	}

	assert.NoError(t, Validate(blockRequest{IP: "2001:db8::1", Reason: "abuse", DurationSeconds: 3600}))
}
