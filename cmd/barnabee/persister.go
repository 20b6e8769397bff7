package main

import (
	"context"

	"github.com/barnabee-home/barnabee/internal/mirror"
	"github.com/barnabee-home/barnabee/internal/store"
)

// entityPersister adapts the SQLite store to the mirror's snapshot surface.
type entityPersister struct {
	st *store.Store
}

var _ mirror.Persister = entityPersister{}

func (p entityPersister) PersistEntity(ctx context.Context, e mirror.Entity) error {
	return p.st.UpsertEntity(ctx, store.EntityRow{
		EntityID:     e.ID,
		Domain:       e.Domain,
		State:        e.State,
		Attributes:   e.Attributes,
		FriendlyName: e.FriendlyName,
		DeviceClass:  e.DeviceClass,
		Area:         e.Area,
		Keywords:     e.Keywords,
		Aliases:      e.Aliases,
		ChangedAt:    e.ChangedAt,
		UpdatedAt:    e.UpdatedAt,
	})
}

func (p entityPersister) LoadEntities(ctx context.Context) ([]mirror.Entity, error) {
	rows, err := p.st.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]mirror.Entity, 0, len(rows))
	for _, r := range rows {
		out = append(out, mirror.Entity{
			ID:           r.EntityID,
			Domain:       r.Domain,
			State:        r.State,
			Attributes:   r.Attributes,
			FriendlyName: r.FriendlyName,
			DeviceClass:  r.DeviceClass,
			Area:         r.Area,
			Keywords:     r.Keywords,
			Aliases:      r.Aliases,
			ChangedAt:    r.ChangedAt,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return out, nil
}
