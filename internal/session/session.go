// Package session carries the identity and host state the agent reads but
// does not own.
package session

import (
	"strings"
	"sync/atomic"
)

const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// Identity is the signed-in user. A zero Identity is the anonymous viewer.
type Identity struct {
	UserID string
	Role   string
	Token  string
}

func (i Identity) Normalize() Identity {
	out := Identity{
		UserID: strings.TrimSpace(i.UserID),
		Role:   strings.ToLower(strings.TrimSpace(i.Role)),
		Token:  strings.TrimSpace(i.Token),
	}
	if out.Role != RoleDoctor && out.Role != RolePatient {
		out.Role = ""
	}
	if out.UserID == "" {
		return Identity{}
	}
	return out
}

func (i Identity) Anonymous() bool {
	return strings.TrimSpace(i.UserID) == ""
}

// Visibility mirrors whether the user is looking at the agent's host.
type Visibility struct {
	hidden atomic.Bool
}

func (v *Visibility) Hidden() bool {
	return v.hidden.Load()
}

func (v *Visibility) SetHidden(hidden bool) {
	v.hidden.Store(hidden)
}
