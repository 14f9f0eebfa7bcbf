package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/devlease/fleet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStore struct {
	mu     sync.Mutex
	device *model.Device

	acquired       []string
	released       []releaseCall
	activated      []string
	coldingCleared []string
	leased         []model.Device

	releaseOK      bool
	activateOK     bool
	releaseErrOnce error
}

type releaseCall struct {
	udid  string
	epoch *time.Time
}

func (m *mockStore) GetDevice(_ context.Context, udid string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil || m.device.UDID != udid {
		return nil, nil
	}
	cp := *m.device
	return &cp, nil
}

func (m *mockStore) ListLeasedDevices(context.Context) ([]model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leased, nil
}

func (m *mockStore) AcquireDevice(_ context.Context, udid, userID string, _ time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired = append(m.acquired, udid)
	m.device.Using = true
	m.device.UserID = &userID
	m.device.UsingBeganAt = &now
	m.device.LastActivatedAt = &now
	return true, nil
}

func (m *mockStore) ReleaseDevice(_ context.Context, udid string, epoch *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, releaseCall{udid: udid, epoch: epoch})
	if m.releaseErrOnce != nil {
		err := m.releaseErrOnce
		m.releaseErrOnce = nil
		return false, err
	}
	if m.releaseOK {
		m.device.Using = false
		m.device.UserID = nil
		m.device.Colding = true
	}
	return m.releaseOK, nil
}

func (m *mockStore) ActivateDevice(_ context.Context, udid, _ string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activated = append(m.activated, udid)
	if m.activateOK {
		m.device.LastActivatedAt = &now
	}
	return m.activateOK, nil
}

func (m *mockStore) ClearColding(_ context.Context, udid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coldingCleared = append(m.coldingCleared, udid)
	m.device.Colding = false
	return nil
}

func (m *mockStore) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

func (m *mockStore) coldingClearedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.coldingCleared)
}

type mockReleaser struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockReleaser) Release(sourceID, udid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sourceID+"/"+udid)
	return true
}

func presentDevice(udid string) *model.Device {
	return &model.Device{
		UDID:        udid,
		Platform:    model.PlatformAndroid,
		Present:     true,
		IdleTimeout: 600,
		Sources: map[string]model.Source{
			"src-a": {ID: "src-a", URL: "", Secret: "s3cret", Priority: 1},
		},
	}
}

func newTestCoordinator(store *mockStore, providers Releaser) *Coordinator {
	logger, _ := zap.NewDevelopment()
	return New(store, providers, logger.Sugar(), 10*time.Minute, time.Second)
}

func alice() *model.Principal {
	return &model.Principal{Email: "alice@example.com", Username: "alice"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcquire(t *testing.T) {
	store := &mockStore{device: presentDevice("dev-1")}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	require.NoError(t, c.Acquire(context.Background(), alice(), "dev-1", 0))
	assert.Equal(t, []string{"dev-1"}, store.acquired)
	require.NotNil(t, store.device.UserID)
	assert.Equal(t, "alice@example.com", *store.device.UserID)
}

func TestAcquire_NotFound(t *testing.T) {
	store := &mockStore{device: presentDevice("dev-1")}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	err := c.Acquire(context.Background(), alice(), "no-such", 0)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestAcquire_InvisibleLooksNonexistent(t *testing.T) {
	d := presentDevice("dev-1")
	d.Owner = "bob@example.com"
	store := &mockStore{device: d}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	err := c.Acquire(context.Background(), alice(), "dev-1", 0)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestAcquire_SameUserIdempotent(t *testing.T) {
	d := presentDevice("dev-1")
	user := "alice@example.com"
	d.Using = true
	d.UserID = &user
	store := &mockStore{device: d}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	require.NoError(t, c.Acquire(context.Background(), alice(), "dev-1", 0))
	assert.Empty(t, store.acquired)
}

func TestAcquire_Refusals(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Device)
	}{
		{"busy", func(d *model.Device) {
			user := "bob@example.com"
			d.Using = true
			d.UserID = &user
		}},
		{"absent", func(d *model.Device) {
			d.Present = false
			d.Sources = nil
		}},
		{"cooling", func(d *model.Device) { d.Colding = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := presentDevice("dev-1")
			tt.mutate(d)
			store := &mockStore{device: d}
			c := newTestCoordinator(store, &mockReleaser{})
			defer c.Close()

			err := c.Acquire(context.Background(), alice(), "dev-1", 0)
			var leaseErr *LeaseError
			require.ErrorAs(t, err, &leaseErr)
			assert.Equal(t, "acquire", leaseErr.Op)
		})
	}
}

func TestRelease(t *testing.T) {
	d := presentDevice("dev-1")
	user := "alice@example.com"
	now := time.Now().UTC().Truncate(time.Microsecond)
	d.Using = true
	d.UserID = &user
	d.UsingBeganAt = &now
	store := &mockStore{device: d, releaseOK: true}
	providers := &mockReleaser{}
	c := newTestCoordinator(store, providers)
	defer c.Close()

	require.NoError(t, c.Release(context.Background(), alice(), "dev-1"))
	require.Len(t, store.released, 1)
	require.NotNil(t, store.released[0].epoch)
	assert.True(t, store.released[0].epoch.Equal(now))

	// Cool-down runs in the background: provider is told to release and the
	// colding flag is cleared afterwards.
	waitFor(t, "cool-down", func() bool { return store.coldingClearedCount() > 0 })
	providers.mu.Lock()
	assert.Equal(t, []string{"src-a/dev-1"}, providers.calls)
	providers.mu.Unlock()
}

func TestRelease_NotLeasedIsNoop(t *testing.T) {
	store := &mockStore{device: presentDevice("dev-1")}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	require.NoError(t, c.Release(context.Background(), alice(), "dev-1"))
	assert.Empty(t, store.released)
}

func TestRelease_OtherUsersLease(t *testing.T) {
	d := presentDevice("dev-1")
	user := "bob@example.com"
	d.Using = true
	d.UserID = &user
	store := &mockStore{device: d}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	err := c.Release(context.Background(), alice(), "dev-1")
	var leaseErr *LeaseError
	require.ErrorAs(t, err, &leaseErr)
	assert.Equal(t, "release", leaseErr.Op)
}

func TestRelease_AdminMayReleaseAnyLease(t *testing.T) {
	d := presentDevice("dev-1")
	user := "bob@example.com"
	d.Using = true
	d.UserID = &user
	store := &mockStore{device: d, releaseOK: true}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	admin := &model.Principal{Email: "root@example.com", Admin: true}
	require.NoError(t, c.Release(context.Background(), admin, "dev-1"))
	assert.Len(t, store.released, 1)
}

func TestRelease_LeaseChangedHandsIsNoop(t *testing.T) {
	d := presentDevice("dev-1")
	user := "alice@example.com"
	epoch := time.Now().UTC().Truncate(time.Microsecond)
	d.Using = true
	d.UserID = &user
	d.UsingBeganAt = &epoch
	// releaseOK=false: the CAS sees a different lease epoch and declines.
	store := &mockStore{device: d, releaseOK: false}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	require.NoError(t, c.Release(context.Background(), alice(), "dev-1"))
	require.Len(t, store.released, 1)
	require.NotNil(t, store.released[0].epoch)
	assert.True(t, store.released[0].epoch.Equal(epoch))
	// No cool-down for a lease this caller no longer holds.
	assert.Zero(t, store.coldingClearedCount())
}

func TestCooldown_CallsProviderColdEndpoint(t *testing.T) {
	var gotPath, gotUDID, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUDID = r.URL.Query().Get("udid")
		gotSecret = r.URL.Query().Get("secret")
	}))
	defer srv.Close()

	d := presentDevice("dev-1")
	d.Sources = map[string]model.Source{
		"src-a": {ID: "src-a", URL: srv.URL, Secret: "s3cret", Priority: 1},
	}
	user := "alice@example.com"
	d.Using = true
	d.UserID = &user
	store := &mockStore{device: d, releaseOK: true}
	c := newTestCoordinator(store, &mockReleaser{})

	require.NoError(t, c.Release(context.Background(), alice(), "dev-1"))
	c.Close()

	assert.Equal(t, "/cold", gotPath)
	assert.Equal(t, "dev-1", gotUDID)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, 1, store.coldingClearedCount())
}

func TestCooldown_ClearsColdingOnProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := presentDevice("dev-1")
	d.Sources = map[string]model.Source{
		"src-a": {ID: "src-a", URL: srv.URL, Secret: "s3cret", Priority: 1},
	}
	user := "alice@example.com"
	d.Using = true
	d.UserID = &user
	store := &mockStore{device: d, releaseOK: true}
	c := newTestCoordinator(store, &mockReleaser{})

	require.NoError(t, c.Release(context.Background(), alice(), "dev-1"))
	c.Close()

	assert.Equal(t, 1, store.coldingClearedCount())
	assert.False(t, store.device.Colding)
}

func TestActivate(t *testing.T) {
	d := presentDevice("dev-1")
	user := "alice@example.com"
	d.Using = true
	d.UserID = &user
	store := &mockStore{device: d, activateOK: true}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), alice(), "dev-1"))
	assert.Equal(t, []string{"dev-1"}, store.activated)
}

func TestActivate_NotLeaseHolder(t *testing.T) {
	d := presentDevice("dev-1")
	user := "bob@example.com"
	d.Using = true
	d.UserID = &user
	store := &mockStore{device: d, activateOK: false}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	err := c.Activate(context.Background(), alice(), "dev-1")
	var leaseErr *LeaseError
	require.ErrorAs(t, err, &leaseErr)
	assert.Equal(t, "activate", leaseErr.Op)
}

func TestIdleWatcher_ReleasesExpiredLease(t *testing.T) {
	d := presentDevice("dev-1")
	user := "alice@example.com"
	epoch := time.Now().UTC().Truncate(time.Microsecond)
	d.Using = true
	d.UserID = &user
	d.UsingBeganAt = &epoch
	d.LastActivatedAt = &epoch
	store := &mockStore{device: d, releaseOK: true}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	// Pretend the idle timeout has long passed.
	c.nowFn = func() time.Time { return epoch.Add(time.Hour) }

	c.armIdleWatcher("dev-1", epoch)

	waitFor(t, "auto-release", func() bool { return store.releaseCount() > 0 })
	store.mu.Lock()
	require.NotNil(t, store.released[0].epoch)
	assert.True(t, store.released[0].epoch.Equal(epoch))
	store.mu.Unlock()
}

func TestIdleWatcher_RetriesAfterStoreError(t *testing.T) {
	d := presentDevice("dev-1")
	user := "alice@example.com"
	epoch := time.Now().UTC().Truncate(time.Microsecond)
	d.Using = true
	d.UserID = &user
	d.UsingBeganAt = &epoch
	d.LastActivatedAt = &epoch
	store := &mockStore{device: d, releaseOK: true, releaseErrOnce: fmt.Errorf("pg down")}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	c.nowFn = func() time.Time { return epoch.Add(time.Hour) }

	c.armIdleWatcher("dev-1", epoch)

	// The first release attempt fails; the watcher must try again rather
	// than strand the lease.
	waitFor(t, "release retry", func() bool { return store.releaseCount() >= 2 })
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.False(t, store.device.Using)
}

func TestIdleWatcher_StaleEpochExitsQuietly(t *testing.T) {
	d := presentDevice("dev-1")
	user := "alice@example.com"
	current := time.Now().UTC().Truncate(time.Microsecond)
	d.Using = true
	d.UserID = &user
	d.UsingBeganAt = &current
	store := &mockStore{device: d}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	c.nowFn = func() time.Time { return current.Add(time.Hour) }

	// Watcher armed for an older lease of the same device.
	stale := current.Add(-time.Hour)
	c.armIdleWatcher("dev-1", stale)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, store.releaseCount())
}

func TestIdleWatcher_FreshActivationDefers(t *testing.T) {
	d := presentDevice("dev-1")
	user := "alice@example.com"
	epoch := time.Now().UTC().Truncate(time.Microsecond)
	d.Using = true
	d.UserID = &user
	d.UsingBeganAt = &epoch
	d.LastActivatedAt = &epoch
	d.IdleTimeout = 3600
	store := &mockStore{device: d}
	c := newTestCoordinator(store, &mockReleaser{})

	c.armIdleWatcher("dev-1", epoch)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, store.releaseCount())
	c.Close()
}

func TestResume(t *testing.T) {
	d := presentDevice("dev-1")
	user := "alice@example.com"
	epoch := time.Now().UTC().Truncate(time.Microsecond)
	d.Using = true
	d.UserID = &user
	d.UsingBeganAt = &epoch
	d.LastActivatedAt = &epoch
	store := &mockStore{device: d, releaseOK: true, leased: []model.Device{*d}}
	c := newTestCoordinator(store, &mockReleaser{})
	defer c.Close()

	c.nowFn = func() time.Time { return epoch.Add(time.Hour) }

	require.NoError(t, c.Resume(context.Background()))
	waitFor(t, "resumed auto-release", func() bool { return store.releaseCount() > 0 })
}
