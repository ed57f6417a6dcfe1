// ABOUTME: Owner-signed delegated permissions and their context restrictions
// ABOUTME: Signatures cover a canonical CBOR payload and are re-checked at use

package authz

import (
	"crypto/ed25519"
	"errors"
	"math"
	"slices"
	"time"

	"github.com/2389/coven-sovereign/internal/codec"
)

// ErrInvalidPermission is returned for a permission spec that cannot be granted.
var ErrInvalidPermission = errors.New("invalid delegated permission")

// TimeWindow limits use to [StartHour, EndHour) UTC. A window with
// StartHour > EndHour wraps midnight.
type TimeWindow struct {
	StartHour int `json:"start_hour" cbor:"1,keyasint"`
	EndHour   int `json:"end_hour" cbor:"2,keyasint"`
}

func (w TimeWindow) valid() bool {
	return w.StartHour >= 0 && w.StartHour < 24 && w.EndHour >= 0 && w.EndHour <= 24 && w.StartHour != w.EndHour
}

func (w TimeWindow) contains(t time.Time) bool {
	h := t.UTC().Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// ContextRestrictions narrow where and when a delegated permission applies.
// Zero values impose nothing.
type ContextRestrictions struct {
	MaxRisk              RiskLevel   `json:"max_risk,omitempty" cbor:"1,keyasint,omitempty"`
	RequireTrustedDevice bool        `json:"require_trusted_device,omitempty" cbor:"2,keyasint,omitempty"`
	AllowedDevices       []string    `json:"allowed_devices,omitempty" cbor:"3,keyasint,omitempty"`
	AllowedLocations     []string    `json:"allowed_locations,omitempty" cbor:"4,keyasint,omitempty"`
	TimeWindow           *TimeWindow `json:"time_window,omitempty" cbor:"5,keyasint,omitempty"`
}

func (c ContextRestrictions) validate() error {
	if c.MaxRisk != "" && !c.MaxRisk.Valid() {
		return errors.Join(ErrInvalidPermission, errors.New("unknown max_risk"))
	}
	if c.TimeWindow != nil && !c.TimeWindow.valid() {
		return errors.Join(ErrInvalidPermission, errors.New("time_window hours out of range"))
	}
	return nil
}

// Satisfied reports whether req and its context fall inside the restrictions.
func (c ContextRestrictions) Satisfied(req *ActionRequest, now time.Time) bool {
	if c.MaxRisk != "" && !req.RiskLevel.AtMost(c.MaxRisk) {
		return false
	}
	dev := req.Context.DeviceContext
	if c.RequireTrustedDevice && !dev.Trusted {
		return false
	}
	if len(c.AllowedDevices) > 0 && !slices.Contains(c.AllowedDevices, dev.DeviceID) {
		return false
	}
	if len(c.AllowedLocations) > 0 && !slices.Contains(c.AllowedLocations, dev.Location) {
		return false
	}
	if c.TimeWindow != nil && !c.TimeWindow.contains(now) {
		return false
	}
	return true
}

// PermissionSpec is what the owner asks to delegate for one action type.
type PermissionSpec struct {
	SpendingLimit float64             `json:"spending_limit"`
	TimeLimit     time.Duration       `json:"time_limit"`
	Restrictions  ContextRestrictions `json:"context_restrictions"`
}

func (s PermissionSpec) validate() error {
	if math.IsNaN(s.SpendingLimit) || math.IsInf(s.SpendingLimit, 0) || s.SpendingLimit < 0 {
		return errors.Join(ErrInvalidPermission, errors.New("spending_limit must be a finite non-negative amount"))
	}
	if s.TimeLimit <= 0 {
		return errors.Join(ErrInvalidPermission, errors.New("time_limit must be positive"))
	}
	return s.Restrictions.validate()
}

// DelegatedPermission is an owner-signed grant for one action type.
type DelegatedPermission struct {
	ActionType    string              `json:"action_type" cbor:"1,keyasint"`
	SpendingLimit float64             `json:"spending_limit" cbor:"2,keyasint"`
	TimeLimit     time.Duration       `json:"time_limit" cbor:"3,keyasint"`
	Restrictions  ContextRestrictions `json:"context_restrictions" cbor:"4,keyasint"`
	CreatedAt     time.Time           `json:"created_at" cbor:"5,keyasint"`
	ExpiresAt     time.Time           `json:"expires_at" cbor:"6,keyasint"`
	OwnerKey      ed25519.PublicKey   `json:"owner_key" cbor:"7,keyasint"`
	Signature     []byte              `json:"owner_signature" cbor:"8,keyasint"`
}

type permissionPayload struct {
	Domain        string              `cbor:"1,keyasint"`
	ActionType    string              `cbor:"2,keyasint"`
	SpendingLimit float64             `cbor:"3,keyasint"`
	TimeLimit     int64               `cbor:"4,keyasint"`
	Restrictions  ContextRestrictions `cbor:"5,keyasint"`
	CreatedAt     int64               `cbor:"6,keyasint"`
	ExpiresAt     int64               `cbor:"7,keyasint"`
	OwnerKey      []byte              `cbor:"8,keyasint"`
}

// SigningPayload is the canonical byte string the owner signs.
func (p *DelegatedPermission) SigningPayload() []byte {
	return codec.MustMarshal(permissionPayload{
		Domain:        "coven-sovereign/permission/v1",
		ActionType:    p.ActionType,
		SpendingLimit: p.SpendingLimit,
		TimeLimit:     int64(p.TimeLimit),
		Restrictions:  p.Restrictions,
		CreatedAt:     p.CreatedAt.UnixNano(),
		ExpiresAt:     p.ExpiresAt.UnixNano(),
		OwnerKey:      p.OwnerKey,
	})
}

// Expired reports whether the permission has lapsed at now.
func (p *DelegatedPermission) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Verify checks the owner signature against ownerKey.
func (p *DelegatedPermission) Verify(ownerKey ed25519.PublicKey) bool {
	if p == nil || len(ownerKey) != ed25519.PublicKeySize || len(p.Signature) != ed25519.SignatureSize {
		return false
	}
	if !p.OwnerKey.Equal(ownerKey) {
		return false
	}
	return ed25519.Verify(ownerKey, p.SigningPayload(), p.Signature)
}

// Clone returns a deep copy.
func (p *DelegatedPermission) Clone() *DelegatedPermission {
	cp := *p
	cp.OwnerKey = slices.Clone(p.OwnerKey)
	cp.Signature = slices.Clone(p.Signature)
	cp.Restrictions.AllowedDevices = slices.Clone(p.Restrictions.AllowedDevices)
	cp.Restrictions.AllowedLocations = slices.Clone(p.Restrictions.AllowedLocations)
	if p.Restrictions.TimeWindow != nil {
		tw := *p.Restrictions.TimeWindow
		cp.Restrictions.TimeWindow = &tw
	}
	return &cp
}
