package app

import (
	"context"
	"time"

	"postsched/internal/eventbus"
	"postsched/internal/storage"
	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
)

const recordTimeout = 2 * time.Second

// recordEvents copies job events from the bus into the history store until
// ctx is done or events is closed. Events already buffered when ctx ends are
// still written. Write errors are logged and skipped.
func recordEvents(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	write := func(e eventbus.Event) {
		rec, ok := toRecord(e)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := store.Append(wctx, rec)
		cancel()
		if err != nil {
			log.Warn("history append failed", logx.String("job_id", rec.JobID), logx.String("type", rec.Type), logx.Err(err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					write(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			write(e)
		}
	}
}

func toRecord(e eventbus.Event) (storage.Record, bool) {
	var ev engine.JobEvent
	switch d := e.Data.(type) {
	case engine.JobEvent:
		ev = d
	case *engine.JobEvent:
		if d == nil {
			return storage.Record{}, false
		}
		ev = *d
	default:
		return storage.Record{}, false
	}
	if ev.JobID == "" {
		return storage.Record{}, false
	}
	at := ev.Time
	if at.IsZero() {
		at = e.Time
	}
	rec := storage.Record{
		At:         at,
		JobID:      ev.JobID,
		ScheduleID: ev.ScheduleID,
		Type:       e.Type,
		State:      string(ev.State),
		Attempt:    ev.Attempt,
		ErrorKind:  string(ev.ErrorKind),
		Error:      ev.Error,
	}
	if rc := ev.Receipt; rc != nil {
		rec.Provider = rc.Provider
		rec.ReceiptID = rc.ID
		rec.ReceiptURL = rc.URL
	}
	return rec, true
}
