// Package access computes whether a viewer may see a piece of content.
//
// Entitlements derive from three inputs: the viewer's role, their
// subscription tier and the premium flag the payment provider maintains.
// Check is pure so every caller (route gates, content wrappers, the
// permission endpoint) reaches the same answer.
package access

import "strings"

// Role is the viewer's account role. Guest means no identity.
type Role string

const (
	RoleGuest Role = "guest"
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Tier is a subscription tier. Tiers are ordered free < pro < elite.
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierElite Tier = "elite"
)

func (t Tier) rank() int {
	switch t {
	case TierPro:
		return 1
	case TierElite:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether t is the same as or above other.
func (t Tier) AtLeast(other Tier) bool {
	return t.rank() >= other.rank()
}

// Level is the access level attached to a content document.
type Level string

const (
	LevelPublic     Level = "public"
	LevelRegistered Level = "registered"
	LevelPro        Level = "pro"
	LevelElite      Level = "elite"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone            Reason = "none"
	ReasonLoginRequired   Reason = "login_required"
	ReasonUpgradeRequired Reason = "upgrade_required"
)

// Viewer is whoever is asking. The zero value is a guest.
type Viewer struct {
	Role    Role `json:"role"`
	Tier    Tier `json:"tier"`
	Premium bool `json:"premium"`
}

// Guest is the anonymous viewer.
var Guest = Viewer{Role: RoleGuest, Tier: TierFree}

// IsGuest reports whether the viewer has no identity.
func (v Viewer) IsGuest() bool {
	return v.Role == "" || v.Role == RoleGuest
}

// EffectiveTier is the viewer's tier, raised to at least pro when the
// premium flag is set.
func (v Viewer) EffectiveTier() Tier {
	t := ParseTier(string(v.Tier))
	if v.Premium && !t.AtLeast(TierPro) {
		return TierPro
	}
	return t
}

// Decision is the result of an entitlement check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       Reason `json:"reason"`
	RequiredTier Tier   `json:"required_tier,omitempty"`
}

var allow = Decision{Allowed: true, Reason: ReasonNone}

// Check decides whether v may see content at level.
func Check(v Viewer, level Level) Decision {
	if level == LevelPublic {
		return allow
	}
	if v.IsGuest() {
		return Decision{Reason: ReasonLoginRequired}
	}
	if v.Role == RoleAdmin {
		return allow
	}

	var need Tier
	switch level {
	case LevelRegistered:
		return allow
	case LevelPro:
		need = TierPro
	case LevelElite:
		need = TierElite
	default:
		// Unknown level: fail closed.
		return Decision{Reason: ReasonUpgradeRequired, RequiredTier: TierElite}
	}

	if v.EffectiveTier().AtLeast(need) {
		return allow
	}
	return Decision{Reason: ReasonUpgradeRequired, RequiredTier: need}
}

// ParseLevel normalizes a CMS access level. Empty means public; anything
// unrecognized is returned as-is so Check can reject it.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "public", "free":
		return LevelPublic
	case "registered", "member", "login":
		return LevelRegistered
	case "pro", "premium":
		return LevelPro
	case "elite", "vip":
		return LevelElite
	default:
		return Level(s)
	}
}

// ParseTier normalizes a tier name. Unknown values are treated as free.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pro", "premium":
		return TierPro
	case "elite", "vip":
		return TierElite
	default:
		return TierFree
	}
}

// ParseRole normalizes a role name. Empty is a guest; anything other than
// admin with an identity is a plain user.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return RoleGuest
	case "guest":
		return RoleGuest
	case "admin":
		return RoleAdmin
	default:
		return RoleUser
	}
}
