package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/devlease/fleet/internal/model"

	"go.uber.org/zap"
)

// idleGrace is added on top of the computed idle deadline before a watcher
// fires, absorbing clock skew between the broker and the database.
const idleGrace = 3 * time.Second

const storeCallTimeout = 10 * time.Second

// watchRetryInterval paces idle watcher retries after a store failure.
const watchRetryInterval = time.Second

// LeaseStore is the slice of the store the coordinator needs.
type LeaseStore interface {
	GetDevice(ctx context.Context, udid string) (*model.Device, error)
	ListLeasedDevices(ctx context.Context) ([]model.Device, error)
	AcquireDevice(ctx context.Context, udid, userID string, idleTimeout time.Duration, now time.Time) (bool, error)
	ReleaseDevice(ctx context.Context, udid string, epoch *time.Time) (bool, error)
	ActivateDevice(ctx context.Context, udid, userID string, now time.Time) (bool, error)
	ClearColding(ctx context.Context, udid string) error
}

// Releaser pushes a release command to a connected provider session.
type Releaser interface {
	Release(sourceID, udid string) bool
}

// Coordinator owns the lease lifecycle: CAS acquire, release with cool-down,
// and per-lease idle watchers that auto-release forgotten devices.
type Coordinator struct {
	store     LeaseStore
	providers Releaser
	logger    *zap.SugaredLogger
	client    *http.Client

	defaultIdleTimeout time.Duration
	cooldownTimeout    time.Duration

	// nowFn is swapped in tests.
	nowFn func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(store LeaseStore, providers Releaser, logger *zap.SugaredLogger,
	defaultIdleTimeout, cooldownTimeout time.Duration) *Coordinator {
	return &Coordinator{
		store:              store,
		providers:          providers,
		logger:             logger,
		client:             &http.Client{Timeout: cooldownTimeout},
		defaultIdleTimeout: defaultIdleTimeout,
		cooldownTimeout:    cooldownTimeout,
		nowFn:              time.Now,
		done:               make(chan struct{}),
	}
}

// Close stops all idle watchers and waits for in-flight cool-downs.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// now returns the current instant truncated to what timestamptz can store,
// so the value written as the lease epoch round-trips exactly.
func (c *Coordinator) now() time.Time {
	return c.nowFn().UTC().Truncate(time.Microsecond)
}

// Acquire leases the device to the principal. Acquiring a device already
// leased by the same user is a no-op.
func (c *Coordinator) Acquire(ctx context.Context, p *model.Principal, udid string, idleTimeout time.Duration) error {
	d, err := c.store.GetDevice(ctx, udid)
	if err != nil {
		return err
	}
	if d == nil || !p.Visible(d) {
		// Invisible devices look nonexistent to the caller.
		return ErrDeviceNotFound
	}

	switch d.State() {
	case model.StateBusy:
		if d.LeasedBy(p.Email) {
			return nil
		}
		return &LeaseError{Op: "acquire", UDID: udid, Reason: "already leased by another user"}
	case model.StateAbsent:
		return &LeaseError{Op: "acquire", UDID: udid, Reason: "device is offline"}
	case model.StateCooling:
		return &LeaseError{Op: "acquire", UDID: udid, Reason: "device is cooling down"}
	}

	if idleTimeout <= 0 {
		idleTimeout = c.defaultIdleTimeout
	}
	epoch := c.now()
	ok, err := c.store.AcquireDevice(ctx, udid, p.Email, idleTimeout, epoch)
	if err != nil {
		return err
	}
	if !ok {
		return &LeaseError{Op: "acquire", UDID: udid, Reason: "device was taken by another user"}
	}

	c.logger.Infof("device %s acquired by %s (idle timeout %s)", udid, p.Email, idleTimeout)
	c.armIdleWatcher(udid, epoch)
	return nil
}

// Release ends the principal's lease and starts the cool-down. Releasing a
// device that is not leased is a no-op.
func (c *Coordinator) Release(ctx context.Context, p *model.Principal, udid string) error {
	d, err := c.store.GetDevice(ctx, udid)
	if err != nil {
		return err
	}
	if d == nil || !p.Visible(d) {
		return ErrDeviceNotFound
	}
	if !d.Using {
		return nil
	}
	if !p.MayControl(d) {
		return &LeaseError{Op: "release", UDID: udid, Reason: "leased by another user"}
	}

	// The CAS is pinned to the lease the caller was authorized against; if
	// the device changed hands in the meantime, the newer lease survives.
	ok, err := c.store.ReleaseDevice(ctx, udid, d.UsingBeganAt)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race against an idle watcher or a provider drain.
		return nil
	}

	c.logger.Infof("device %s released by %s", udid, p.Email)
	c.startCooldown(d)
	return nil
}

// Activate resets the idle clock of the principal's lease.
func (c *Coordinator) Activate(ctx context.Context, p *model.Principal, udid string) error {
	d, err := c.store.GetDevice(ctx, udid)
	if err != nil {
		return err
	}
	if d == nil || !p.Visible(d) {
		return ErrDeviceNotFound
	}

	ok, err := c.store.ActivateDevice(ctx, udid, p.Email, c.now())
	if err != nil {
		return err
	}
	if !ok {
		return &LeaseError{Op: "activate", UDID: udid, Reason: "not leased by you"}
	}
	return nil
}

// Resume re-arms idle watchers for leases that survived a restart.
func (c *Coordinator) Resume(ctx context.Context) error {
	leased, err := c.store.ListLeasedDevices(ctx)
	if err != nil {
		return fmt.Errorf("resume leases: %w", err)
	}
	for i := range leased {
		d := &leased[i]
		if d.UsingBeganAt == nil {
			continue
		}
		c.armIdleWatcher(d.UDID, *d.UsingBeganAt)
	}
	if len(leased) > 0 {
		c.logger.Infof("resumed %d idle watchers", len(leased))
	}
	return nil
}

// Idle watcher

func (c *Coordinator) armIdleWatcher(udid string, epoch time.Time) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchIdle(udid, epoch)
	}()
}

// watchIdle auto-releases the lease identified by (udid, epoch) once it sits
// idle past its timeout. The watcher holds no state beyond the epoch: each
// wake-up re-reads the device, so activations simply push the deadline out.
// A watcher whose lease was replaced or released exits without side effects.
func (c *Coordinator) watchIdle(udid string, epoch time.Time) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
		d, err := c.store.GetDevice(ctx, udid)
		cancel()
		if err != nil {
			c.logger.Warnf("idle watcher %s: %v", udid, err)
			select {
			case <-c.done:
				return
			case <-time.After(watchRetryInterval):
				continue
			}
		}
		if d == nil || !d.Using || d.UsingBeganAt == nil || !d.UsingBeganAt.Equal(epoch) {
			return
		}

		last := epoch
		if d.LastActivatedAt != nil {
			last = *d.LastActivatedAt
		}
		deadline := last.Add(d.IdleTimeoutDuration())

		if wait := deadline.Sub(c.now()) + idleGrace; wait > 0 {
			select {
			case <-c.done:
				return
			case <-time.After(wait):
			}
			continue
		}

		ctx, cancel = context.WithTimeout(context.Background(), storeCallTimeout)
		ok, err := c.store.ReleaseDevice(ctx, udid, &epoch)
		cancel()
		if err != nil {
			// Giving up here would strand the lease until the next restart.
			c.logger.Warnf("idle watcher %s: %v", udid, err)
			select {
			case <-c.done:
				return
			case <-time.After(watchRetryInterval):
				continue
			}
		}
		if ok {
			c.logger.Infof("device %s auto-released after %s idle", udid, d.IdleTimeoutDuration())
			c.startCooldown(d)
		}
		return
	}
}

// Cool-down

func (c *Coordinator) startCooldown(d *model.Device) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.cooldown(d)
	}()
}

// cooldown tells the provider to reset the device, then returns it to the
// pool. The colding flag is cleared whether or not the provider call
// succeeds: a provider that cannot be reached should not park the device
// forever.
func (c *Coordinator) cooldown(d *model.Device) {
	src := d.BestSource()
	if src != nil {
		if c.providers != nil {
			c.providers.Release(src.ID, d.UDID)
		}
		if src.URL != "" {
			if err := c.callCold(src, d.UDID); err != nil {
				c.logger.Warnf("cool-down %s via %s: %v", d.UDID, src.URL, err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()
	if err := c.store.ClearColding(ctx, d.UDID); err != nil {
		c.logger.Errorf("clear colding %s: %v", d.UDID, err)
	}
}

func (c *Coordinator) callCold(src *model.Source, udid string) error {
	q := url.Values{}
	q.Set("udid", udid)
	q.Set("secret", src.Secret)
	coldURL := src.URL + "/cold?" + q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), c.cooldownTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, coldURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned %s", resp.Status)
	}
	return nil
}
