package signaling

import (
	"fmt"
	"strings"
)

// Role is one of the two fixed identities of a session.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Wire tokens accepted at the HTTP boundary.
const (
	TokenInitiator = "caller"
	TokenResponder = "callee"
)

// ParseRole maps a wire token to a Role. Only the two tokens above are
// accepted; anything else is ErrUnknownRole.
func ParseRole(token string) (Role, error) {
	switch token {
	case TokenInitiator:
		return Initiator, nil
	case TokenResponder:
		return Responder, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, token)
}

// Opposite returns the counterpart role, the one a sender writes to.
func (r Role) Opposite() Role {
	if r == Initiator {
		return Responder
	}
	return Initiator
}

// Token returns the wire token for r.
func (r Role) Token() string {
	if r == Initiator {
		return TokenInitiator
	}
	return TokenResponder
}

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.Token()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// RolePolicy selects how AssignRole decides between the two roles.
type RolePolicy string

const (
	// RolePolicyProbe drains the initiator queue and becomes initiator when it
	// was empty. Two arrivals before anything is published both become
	// initiator.
	RolePolicyProbe RolePolicy = "probe"
	// RolePolicyClaim hands initiator to the first caller per session and
	// responder to everyone after.
	RolePolicyClaim RolePolicy = "claim"
)

// ParseRolePolicy is case-insensitive; empty selects the probe policy.
func ParseRolePolicy(raw string) (RolePolicy, error) {
	switch RolePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RolePolicyProbe:
		return RolePolicyProbe, nil
	case RolePolicyClaim:
		return RolePolicyClaim, nil
	}
	return "", fmt.Errorf("unknown role policy %q", raw)
}
