// Package auth derives request principals from bearer credentials and
// decides whether a principal may read or write the database.
package auth

import (
	"errors"

	"github.com/TFMV/driftlake/config"
)

// Principal is the authenticated identity class of a request. It is derived
// per request and never persisted.
type Principal int

const (
	// Anonymous carries no credential; its rights come from the policy alone.
	Anonymous Principal = iota
	// Reader presented the read password.
	Reader
	// Writer presented the write password.
	Writer
)

func (p Principal) String() string {
	switch p {
	case Reader:
		return "reader"
	case Writer:
		return "writer"
	default:
		return "anonymous"
	}
}

// Action is the operation class being authorized.
type Action int

const (
	// Read covers queries that only observe catalog or table state.
	Read Action = iota
	// Write covers statements that produce new table versions.
	Write
)

func (a Action) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

var (
	// ErrUnauthorized is returned when no credential was supplied but both
	// actions require one.
	ErrUnauthorized = errors.New("credentials required")
	// ErrTokenNotNeeded is returned when a credential was supplied but no
	// password is configured anywhere.
	ErrTokenNotNeeded = errors.New("credentials were provided but are not needed")
	// ErrWrongPassword is returned when the supplied credential matches
	// neither configured password hash.
	ErrWrongPassword = errors.New("invalid password")
)

// AccessPolicy is the pair of per-action access settings.
type AccessPolicy struct {
	Read  config.AccessSettings
	Write config.AccessSettings
}

// PolicyFromConfig builds the policy from the HTTP frontend settings.
func PolicyFromConfig(cfg *config.HTTPFrontendConfig) AccessPolicy {
	return AccessPolicy{Read: cfg.ReadAccess, Write: cfg.WriteAccess}
}

// DerivePrincipal maps an optional bearer token to a principal under the
// policy. Exactly one branch of the decision table applies to any input:
//
//   - no token, both settings off or password-protected: ErrUnauthorized
//   - no token, otherwise: Anonymous
//   - token, neither setting password-protected: ErrTokenNotNeeded
//   - token hash matches the write password: Writer
//   - token hash matches the read password: Reader
//   - token matches neither: ErrWrongPassword
func DerivePrincipal(token string, policy AccessPolicy) (Principal, error) {
	if token == "" {
		if policy.Read.Kind != config.AccessAny && policy.Write.Kind != config.AccessAny {
			return Anonymous, ErrUnauthorized
		}
		return Anonymous, nil
	}

	if policy.Read.Kind != config.AccessPassword && policy.Write.Kind != config.AccessPassword {
		return Anonymous, ErrTokenNotNeeded
	}

	hash := config.HexHash(token)
	if policy.Write.Kind == config.AccessPassword && hash == policy.Write.SHA256Hash {
		return Writer, nil
	}
	if policy.Read.Kind == config.AccessPassword && hash == policy.Read.SHA256Hash {
		return Reader, nil
	}
	return Anonymous, ErrWrongPassword
}

// CanPerformAction reports whether the principal may perform the action.
// Writers can do anything; readers can always read; anyone can perform an
// action whose setting is "any".
func CanPerformAction(principal Principal, action Action, policy AccessPolicy) bool {
	switch {
	case principal == Writer:
		return true
	case principal == Reader && action == Read:
		return true
	case action == Read && policy.Read.Kind == config.AccessAny:
		return true
	case action == Write && policy.Write.Kind == config.AccessAny:
		return true
	}
	return false
}

// UserContext bundles the derived principal with the policy it was derived
// under, for the single authorize call the frontends make per statement.
type UserContext struct {
	Principal Principal
	Policy    AccessPolicy
}

// CanPerformAction authorizes the action for this request.
func (u *UserContext) CanPerformAction(action Action) bool {
	return CanPerformAction(u.Principal, action, u.Policy)
}
