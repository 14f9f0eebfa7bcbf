package feed

import (
	"context"
	"testing"
	"time"

	"github.com/devlease/fleet/internal/model"
	"github.com/devlease/fleet/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	ch chan store.ChangeEvent
}

func (f *fakeWatcher) Watch(context.Context) (<-chan store.ChangeEvent, error) {
	return f.ch, nil
}

func device(udid, owner string) *model.Device {
	return &model.Device{
		UDID:    udid,
		Owner:   owner,
		Present: true,
		Sources: map[string]model.Source{
			"src-a": {ID: "src-a", URL: "http://provider-1:3500", Secret: "s3cret"},
		},
	}
}

func recv(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed event")
		return Event{}
	}
}

func TestSubscribe_InsertAndUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &fakeWatcher{ch: make(chan store.ChangeEvent, 4)}
	events, err := New(w).Subscribe(ctx, &model.Principal{Email: "alice@example.com"})
	require.NoError(t, err)

	w.ch <- store.ChangeEvent{Revision: 1, New: device("dev-1", "")}
	ev := recv(t, events)
	assert.Equal(t, "insert", ev.Event)
	assert.Equal(t, "dev-1", ev.Data.UDID)
	assert.Nil(t, ev.Data.Sources, "sources must not leak to subscribers")

	w.ch <- store.ChangeEvent{Revision: 2, Old: device("dev-1", ""), New: device("dev-1", "")}
	ev = recv(t, events)
	assert.Equal(t, "update", ev.Event)
}

func TestSubscribe_FiltersInvisibleDevices(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &fakeWatcher{ch: make(chan store.ChangeEvent, 4)}
	events, err := New(w).Subscribe(ctx, &model.Principal{Email: "alice@example.com"})
	require.NoError(t, err)

	w.ch <- store.ChangeEvent{Revision: 1, New: device("dev-1", "bob@example.com")}
	w.ch <- store.ChangeEvent{Revision: 2, New: device("dev-2", "alice@example.com")}

	ev := recv(t, events)
	assert.Equal(t, "dev-2", ev.Data.UDID)
}

func TestSubscribe_GroupVisibility(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &fakeWatcher{ch: make(chan store.ChangeEvent, 4)}
	p := &model.Principal{Email: "alice@example.com", Groups: []string{"qa-group"}}
	events, err := New(w).Subscribe(ctx, p)
	require.NoError(t, err)

	w.ch <- store.ChangeEvent{Revision: 1, New: device("dev-1", "qa-group")}
	ev := recv(t, events)
	assert.Equal(t, "dev-1", ev.Data.UDID)
}

func TestSubscribe_DeleteRendersAbsentUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &fakeWatcher{ch: make(chan store.ChangeEvent, 4)}
	events, err := New(w).Subscribe(ctx, &model.Principal{Admin: true})
	require.NoError(t, err)

	old := device("dev-1", "")
	user := "alice@example.com"
	old.Using = true
	old.UserID = &user
	w.ch <- store.ChangeEvent{Revision: 1, Old: old}

	ev := recv(t, events)
	assert.Equal(t, "update", ev.Event)
	assert.False(t, ev.Data.Present)
	assert.False(t, ev.Data.Using)
	assert.Nil(t, ev.Data.UserID)
}

func TestSubscribe_ClosesWhenWatchEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &fakeWatcher{ch: make(chan store.ChangeEvent)}
	events, err := New(w).Subscribe(ctx, &model.Principal{Admin: true})
	require.NoError(t, err)

	close(w.ch)
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not close")
	}
}
