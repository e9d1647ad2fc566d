package storage

import (
	"context"
	"encoding/json"
	"time"

	"completiond/internal/dispatch"
)

// Archiver adapts a Store to dispatch.Archiver.
type Archiver struct {
	store Store
}

func NewArchiver(store Store) *Archiver { return &Archiver{store: store} }

func (a *Archiver) ArchiveTask(ctx context.Context, t dispatch.Task) error {
	if a == nil || a.store == nil {
		return ErrDisabled
	}
	rec, err := RecordFromTask(t)
	if err != nil {
		return err
	}
	return a.store.AppendResult(ctx, rec)
}

// RecordFromTask flattens a terminal task into its archived form.
func RecordFromTask(t dispatch.Task) (ResultRecord, error) {
	rec := ResultRecord{
		TaskID:      t.ID,
		Type:        t.Type,
		Priority:    t.Priority.String(),
		SubmitterID: t.SubmitterID,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: time.Now(),
	}
	if t.CompletedAt != nil {
		rec.CompletedAt = *t.CompletedAt
	}

	switch {
	case t.Error != nil:
		rec.Status = StatusFailed
		rec.ErrorKind = t.Error.Kind
		rec.Error = t.Error.Message
	case dispatch.IsFallback(t.Result):
		rec.Status = StatusText
	default:
		rec.Status = StatusOK
	}
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return ResultRecord{}, err
		}
		rec.ResultJSON = string(b)
	}
	return rec, nil
}
