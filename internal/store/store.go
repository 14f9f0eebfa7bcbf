package store

import (
	"context"
	"errors"
	"time"

	"github.com/devlease/fleet/internal/model"
)

// ErrConflict is returned when an insert collides with an existing key.
var ErrConflict = errors.New("already exists")

// DeviceQuery selects devices for listing. Zero value matches everything.
type DeviceQuery struct {
	// Viewer restricts results to devices whose owner is one of these
	// values (the caller's email, group ids, and "" for public devices).
	// nil means unrestricted — admin view.
	Viewer []string
	// Platform filters by exact platform when non-empty.
	Platform string
	// UsableOnly keeps only devices that can be acquired right now.
	UsableOnly bool
	// Present filters by presence when non-nil.
	Present *bool
	// UserID keeps only devices leased by this user when non-empty.
	UserID string
	// UsingOnly keeps only devices with an active lease.
	UsingOnly bool
}

// ProviderUpdate is one device assertion from a provider session.
type ProviderUpdate struct {
	UDID string
	// SourceID is the provider session id, used as the key in the device's
	// sources map.
	SourceID string
	// Platform is applied when non-empty.
	Platform string
	// Properties are merged key-by-key when non-nil.
	Properties map[string]any
	// Owner is always applied; "" makes the device public.
	Owner string
	// Source is merged into sources[SourceID]. When RemoveSource is set the
	// key is removed instead and Source is ignored.
	Source       *model.Source
	RemoveSource bool
}

// ChangeEvent is one entry of the device change feed. Old is nil for
// inserts, New is nil for deletes.
type ChangeEvent struct {
	Revision int64         `json:"revision"`
	Old      *model.Device `json:"old,omitempty"`
	New      *model.Device `json:"new,omitempty"`
}

// GroupMember is a group membership row joined with the user's name.
type GroupMember struct {
	Email    string          `json:"email"`
	Username string          `json:"username"`
	Role     model.GroupRole `json:"role"`
}

// Store is the interface handlers, the coordinator and provider sessions
// depend on.
type Store interface {
	Close()

	// ── Devices ─────────────────────────────────
	// GetDevice returns nil, nil when the device does not exist.
	GetDevice(ctx context.Context, udid string) (*model.Device, error)
	ListDevices(ctx context.Context, q DeviceQuery) ([]model.Device, int64, error)
	// ListLeasedDevices returns every device with an active lease, for
	// re-arming idle watchers after a restart.
	ListLeasedDevices(ctx context.Context) ([]model.Device, error)
	UpdateDeviceProperties(ctx context.Context, udid string, props map[string]any) error
	SetDeviceDepartment(ctx context.Context, udid, department string) error

	// ── Provider presence ───────────────────────
	ApplyProviderUpdate(ctx context.Context, up ProviderUpdate) error
	// RemoveProviderSources drops the given source from every device and
	// resets using/colding on devices drained to zero sources. Returns the
	// number of devices touched.
	RemoveProviderSources(ctx context.Context, sourceID string) (int64, error)
	// ResetPresence clears all sources and colding flags at boot; leases
	// survive so providers can re-assert devices after a restart.
	ResetPresence(ctx context.Context) error

	// ── Lease transitions ───────────────────────
	// AcquireDevice atomically flips the device to leased iff it is present,
	// not leased and not colding. Reports whether this caller won.
	AcquireDevice(ctx context.Context, udid, userID string, idleTimeout time.Duration, now time.Time) (bool, error)
	// ReleaseDevice atomically ends the lease, accumulates usingDuration and
	// sets colding. A non-nil epoch only releases the lease that began at
	// exactly that instant, so a stale idle watcher cannot kill a newer lease.
	ReleaseDevice(ctx context.Context, udid string, epoch *time.Time) (bool, error)
	// ActivateDevice bumps lastActivatedAt iff the device is leased by userID.
	ActivateDevice(ctx context.Context, udid, userID string, now time.Time) (bool, error)
	ClearColding(ctx context.Context, udid string) error

	// ── Users ───────────────────────────────────
	GetUser(ctx context.Context, email string) (*model.User, error)
	// GetUserByToken fails unless exactly one user matches.
	GetUserByToken(ctx context.Context, token string) (*model.User, error)
	// UpsertLogin inserts the user on first login (using the provided
	// credentials and promoting to admin when no admin exists yet) or
	// refreshes username and lastLoggedInAt on subsequent logins.
	UpsertLogin(ctx context.Context, email, username, token, secretKey string) (*model.User, error)
	ListUsers(ctx context.Context, adminOnly bool) ([]model.User, error)
	SetUserAdmin(ctx context.Context, email string, admin bool) error

	// ── Groups ──────────────────────────────────
	CreateGroup(ctx context.Context, g *model.Group) error
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	ListGroupsByMember(ctx context.Context, email string) ([]model.Group, error)
	ListGroups(ctx context.Context) ([]model.Group, error)
	ListGroupMembers(ctx context.Context, id string) ([]GroupMember, error)
	// GroupsOf returns the ids of groups the user belongs to.
	GroupsOf(ctx context.Context, email string) ([]string, error)

	// ── Change feed ─────────────────────────────
	// Watch streams device changes until ctx is cancelled. Each subscriber
	// gets its own watch.
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
	// PruneChanges deletes feed entries older than keep.
	PruneChanges(ctx context.Context, keep time.Duration) (int64, error)
}
