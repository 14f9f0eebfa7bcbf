package feed

import (
	"context"

	"github.com/devlease/fleet/internal/model"
	"github.com/devlease/fleet/internal/store"
)

// Event is one device change as seen by a subscriber.
type Event struct {
	Event string        `json:"event"` // "insert" or "update"
	Data  *model.Device `json:"data"`
}

// Watcher opens a device change stream.
type Watcher interface {
	Watch(ctx context.Context) (<-chan store.ChangeEvent, error)
}

// Feed fans device changes out to websocket subscribers, filtered per
// subscriber by device visibility.
type Feed struct {
	watcher Watcher
}

func New(watcher Watcher) *Feed {
	return &Feed{watcher: watcher}
}

// Subscribe streams the changes visible to the principal until ctx is
// cancelled. Source maps are stripped so provider endpoints and secrets
// stay server-side.
func (f *Feed) Subscribe(ctx context.Context, p *model.Principal) (<-chan Event, error) {
	changes, err := f.watcher.Watch(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for change := range changes {
			ev, ok := render(p, change)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// render shapes one store change for the subscriber, or reports false when
// the change is invisible to them. A delete is rendered as an update of the
// last known document marked absent, so subscribers need no delete handling.
func render(p *model.Principal, change store.ChangeEvent) (Event, bool) {
	d := change.New
	event := "update"
	switch {
	case change.Old == nil && change.New == nil:
		return Event{}, false
	case change.Old == nil:
		event = "insert"
	case change.New == nil:
		gone := *change.Old
		gone.Present = false
		gone.Using = false
		gone.Colding = false
		gone.UserID = nil
		d = &gone
	}
	if !p.Visible(d) {
		return Event{}, false
	}
	return Event{Event: event, Data: d.WithoutSources()}, true
}
