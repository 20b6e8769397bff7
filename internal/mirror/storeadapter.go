package mirror

import (
	"context"

	"github.com/barnabee-home/barnabee/internal/store"
)

// StorePersister bridges the mirror onto the SQLite snapshot table.
type StorePersister struct {
	Store *store.Store
}

var _ Persister = (*StorePersister)(nil)

func (p *StorePersister) PersistEntity(ctx context.Context, e Entity) error {
	return p.Store.UpsertEntity(ctx, store.EntityRow{
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

func (p *StorePersister) LoadEntities(ctx context.Context) ([]Entity, error) {
	rows, err := p.Store.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, len(rows))
	for i, r := range rows {
		out[i] = Entity{
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
		}
	}
	return out, nil
}
