package models

import (
	"net/netip"
	"strings"
	"time"

	dErrors "bulwark/pkg/domain-errors"
	"bulwark/pkg/validation"
)

// MaxManualBlock caps operator-issued block durations.
const MaxManualBlock = 30 * 24 * time.Hour

type BlockIPRequest struct {
	IP              string `json:"ip" validate:"required,ip"`
	Reason          string `json:"reason" validate:"required,notblank,max=500"`
	DurationSeconds int    `json:"durationSeconds,omitempty" validate:"omitempty,min=1,max=2592000"`
}

func (r *BlockIPRequest) Normalize() {
	if r == nil {
		return
	}
	r.IP = CanonicalIP(r.IP)
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *BlockIPRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}

// Duration returns the requested block length; zero means the mode default.
func (r *BlockIPRequest) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

type AllowlistRequest struct {
	IP        string     `json:"ip" validate:"required,ip"`
	Reason    string     `json:"reason" validate:"required,notblank,max=500"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (r *AllowlistRequest) Normalize() {
	if r == nil {
		return
	}
	r.IP = CanonicalIP(r.IP)
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *AllowlistRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := validation.Validate(r); err != nil {
		return err
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(time.Now()) {
		return dErrors.New(dErrors.CodeValidation, "expires_at must be in the future")
	}
	return nil
}

type ActivateEmergencyRequest struct {
	Reason          string `json:"reason" validate:"required,notblank,max=500"`
	DurationSeconds int    `json:"durationSeconds,omitempty" validate:"omitempty,min=60,max=604800"`
}

func (r *ActivateEmergencyRequest) Normalize() {
	if r == nil {
		return
	}
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *ActivateEmergencyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}

func (r *ActivateEmergencyRequest) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

// CanonicalIP trims and canonicalizes an address so "::FFFF:1.2.3.4" and
// "1.2.3.4" share one block record. Unparseable input is returned trimmed
// for the validator to reject.
func CanonicalIP(ip string) string {
	ip = strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}
