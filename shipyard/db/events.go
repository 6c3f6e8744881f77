package db

import (
	"context"
	"time"

	"tangled.sh/tangled.sh/shipyard/notifier"
)

type Event struct {
	ID        int64  `json:"id"`
	RunID     int64  `json:"run_id"`
	Kind      string `json:"kind"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

func (d *DB) InsertEvent(ctx context.Context, event Event, n *notifier.Notifier) error {
	_, err := d.ExecContext(ctx,
		`insert into events (run_id, kind, event, created) values (?, ?, ?, ?)`,
		event.RunID,
		event.Kind,
		event.EventJson,
		time.Now().UnixNano(),
	)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

// GetEvents returns up to 100 events after cursor, an event id.
func (d *DB) GetEvents(ctx context.Context, cursor int64) ([]Event, error) {
	rows, err := d.QueryContext(ctx, `
		select id, run_id, kind, event, created
		from events
		where id > ?
		order by id asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Kind, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}
