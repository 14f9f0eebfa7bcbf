package model

import (
	"strings"
	"time"
)

// User is an account known to the broker. Token and SecretKey are generated
// on first login and only ever shown to the user themselves.
type User struct {
	Email          string         `json:"email"`
	Username       string         `json:"username"`
	Admin          bool           `json:"admin"`
	Token          string         `json:"token,omitempty"`
	SecretKey      string         `json:"secretKey,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastLoggedInAt time.Time      `json:"lastLoggedInAt"`
}

// Public returns a copy with credentials stripped, for listings visible to
// other users.
func (u *User) Public() *User {
	cp := *u
	cp.Token = ""
	cp.SecretKey = ""
	return &cp
}

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	GroupRoleAdmin GroupRole = "admin"
	GroupRoleUser  GroupRole = "user"
)

// Group is a named set of users. A device owned by a group id is visible to
// all its members.
type Group struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Creator string `json:"creator"`
	// Members maps email → role.
	Members   map[string]GroupRole `json:"members"`
	CreatedAt time.Time            `json:"createdAt"`
}

// ValidateGroupID returns an error message for an invalid group id, or "".
// Group ids share the device owner field with user emails, so they must not
// look like one.
func ValidateGroupID(id string) string {
	if id == "" {
		return "group id is required"
	}
	if strings.Contains(id, "@") {
		return "group id must not contain '@'"
	}
	return ""
}

// Principal is the authenticated caller. The zero value is anonymous.
type Principal struct {
	Email    string   `json:"email"`
	Username string   `json:"username"`
	Admin    bool     `json:"admin"`
	Groups   []string `json:"groups,omitempty"`
}

// Visible reports whether the principal may see the device.
func (p *Principal) Visible(d *Device) bool {
	if p.Admin || d.Owner == "" || d.Owner == p.Email {
		return true
	}
	for _, g := range p.Groups {
		if d.Owner == g {
			return true
		}
	}
	return false
}

// MayControl reports whether the principal may release or activate the
// device's current lease.
func (p *Principal) MayControl(d *Device) bool {
	return p.Admin || d.LeasedBy(p.Email)
}

// Viewer returns the owner values the principal may see, for folding the
// visibility filter into store queries. nil means unrestricted (admin).
func (p *Principal) Viewer() []string {
	if p.Admin {
		return nil
	}
	return append([]string{"", p.Email}, p.Groups...)
}
