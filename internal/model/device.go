package model

import "time"

// Platform identifies the device OS family.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformApple   Platform = "apple"
	PlatformUnknown Platform = "unknown"
)

// Source is one provider's endpoint for a device. A device can be published
// by several providers at once; the highest-priority source wins when the
// coordinator needs to talk back to a provider.
type Source struct {
	ID                   string `json:"id,omitempty"` // provider session id
	Name                 string `json:"name,omitempty"`
	URL                  string `json:"url,omitempty"`
	Secret               string `json:"secret,omitempty"`
	Priority             int    `json:"priority"`
	DeviceAddress        string `json:"deviceAddress,omitempty"`
	RemoteConnectAddress string `json:"remoteConnectAddress,omitempty"`
}

// Device is the broker's view of one physical device. The JSON shape is the
// wire format used by both the REST API and the change feed.
type Device struct {
	UDID       string         `json:"udid"`
	Platform   Platform       `json:"platform"`
	Properties map[string]any `json:"properties,omitempty"`
	// Sources maps provider session id → source. Stripped from list
	// responses; preserved in the store.
	Sources map[string]Source `json:"sources,omitempty"`
	// Present is derived: at least one source.
	Present bool `json:"present"`
	// Owner restricts visibility: "" = public, an email, or a group id.
	Owner   string  `json:"owner"`
	Using   bool    `json:"using"`
	Colding bool    `json:"colding"`
	UserID  *string `json:"userId"`
	// UsingBeganAt doubles as the lease epoch: a new lease always gets a
	// fresh value, so stale idle watchers can detect they outlived their lease.
	UsingBeganAt    *time.Time `json:"usingBeganAt,omitempty"`
	LastActivatedAt *time.Time `json:"lastActivatedAt,omitempty"`
	// IdleTimeout is in seconds.
	IdleTimeout float64 `json:"idleTimeout,omitempty"`
	// UsingDuration accumulates total leased seconds across all leases.
	UsingDuration float64   `json:"usingDuration,omitempty"`
	Department    string    `json:"department,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DeviceState is the derived lifecycle state.
type DeviceState string

const (
	StateAbsent  DeviceState = "absent"
	StateIdle    DeviceState = "idle"
	StateBusy    DeviceState = "busy"
	StateCooling DeviceState = "cooling"
)

// State derives the lifecycle state from the flags.
func (d *Device) State() DeviceState {
	switch {
	case !d.Present:
		return StateAbsent
	case d.Using:
		return StateBusy
	case d.Colding:
		return StateCooling
	default:
		return StateIdle
	}
}

// Usable reports whether the device can be acquired right now.
func (d *Device) Usable() bool {
	return d.Present && !d.Using && !d.Colding
}

// IdleTimeoutDuration converts the stored seconds value.
func (d *Device) IdleTimeoutDuration() time.Duration {
	return time.Duration(d.IdleTimeout * float64(time.Second))
}

// BestSource returns the highest-priority source, or nil when absent.
// Ties break on source id for determinism.
func (d *Device) BestSource() *Source {
	var best *Source
	for id := range d.Sources {
		src := d.Sources[id]
		if best == nil || src.Priority > best.Priority ||
			(src.Priority == best.Priority && src.ID < best.ID) {
			best = &src
		}
	}
	return best
}

// WithoutSources returns a shallow copy safe for list responses:
// provider endpoints and secrets are not leaked to regular users.
func (d *Device) WithoutSources() *Device {
	cp := *d
	cp.Sources = nil
	return &cp
}

// LeasedBy reports whether the device is currently leased to the given user.
func (d *Device) LeasedBy(email string) bool {
	return d.Using && d.UserID != nil && *d.UserID == email
}
