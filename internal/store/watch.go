package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const watchPollInterval = 10 * time.Second

// Watch streams device change events. It rides on LISTEN/NOTIFY for latency
// and falls back to polling so a dropped listener connection only delays
// events instead of losing them — the trigger has already persisted every
// change in device_changes.
func (s *PgStore) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	listener := pq.NewListener(s.dsn, time.Second, 30*time.Second,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warnf("device change listener: %v", err)
			}
		})
	if err := listener.Listen("device_changes"); err != nil {
		listener.Close()
		return nil, fmt.Errorf("pg listen: %w", err)
	}

	// Only changes after the subscription are streamed.
	var last int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(revision), 0) FROM device_changes`).Scan(&last); err != nil {
		listener.Close()
		return nil, fmt.Errorf("pg watch revision: %w", err)
	}

	out := make(chan ChangeEvent, 16)
	go func() {
		defer close(out)
		defer listener.Close()

		for {
			events, next, err := s.changesSince(ctx, last)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warnf("device change query: %v", err)
			} else {
				last = next
				for _, ev := range events {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
			case <-time.After(watchPollInterval):
			}
		}
	}()
	return out, nil
}

func (s *PgStore) changesSince(ctx context.Context, after int64) ([]ChangeEvent, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision, old_doc, new_doc FROM device_changes
		WHERE revision > $1 ORDER BY revision LIMIT 200`, after)
	if err != nil {
		return nil, after, err
	}
	defer rows.Close()

	last := after
	var events []ChangeEvent
	for rows.Next() {
		var ev ChangeEvent
		var oldDoc, newDoc []byte
		if err := rows.Scan(&ev.Revision, &oldDoc, &newDoc); err != nil {
			return nil, after, err
		}
		if oldDoc != nil {
			if ev.Old, err = scanDeviceDoc(oldDoc); err != nil {
				return nil, after, err
			}
		}
		if newDoc != nil {
			if ev.New, err = scanDeviceDoc(newDoc); err != nil {
				return nil, after, err
			}
		}
		last = ev.Revision
		events = append(events, ev)
	}
	return events, last, rows.Err()
}
