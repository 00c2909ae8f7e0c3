package models

import (
	"time"
)

// Role defines how a participant takes part in a session.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// HostIdentity is the reserved identity the host console joins under. It is
// visible in presence but never ranked.
const HostIdentity = "__host__"

// Participant is a joined identity associated with a session.
type Participant struct {
	SessionCode string    `json:"session_code"`
	Identity    string    `json:"identity"`
	Avatar      string    `json:"avatar"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
	Active      bool      `json:"active"`
}

// Ranked reports whether the participant competes on the leaderboard.
func (p Participant) Ranked() bool {
	return p.Role != RoleHost && p.Identity != HostIdentity
}
