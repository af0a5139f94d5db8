// Package eventstore persists verified wire events by id. The log is
// append-only: events are never updated or deleted, and storing the same
// event twice is a no-op. All state elsewhere in the module can be rebuilt
// by replaying it.
package eventstore

import (
	"context"
	"errors"
	"sort"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"

	"github.com/domp-protocol/go-domp-markets/event"
	mkt "github.com/domp-protocol/go-domp-markets/marketplace"
)

var DSPrefix = "/marketplace/events"

var ErrNotFound = errors.New("event not found")

type Store struct {
	ds datastore.Batching
}

func New(ds datastore.Batching) *Store {
	return &Store{ds: namespace.Wrap(ds, datastore.NewKey(DSPrefix))}
}

func eventKey(id string) datastore.Key {
	return datastore.NewKey("/" + id)
}

// HasEvent reports whether an event id has been ingested.
func (s *Store) HasEvent(ctx context.Context, id string) (bool, error) {
	return s.ds.Has(ctx, eventKey(id))
}

// GetEvent returns a stored event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	data, err := s.ds.Get(ctx, eventKey(id))
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return nil, xerrors.Errorf("event %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return event.FromJSON(data)
}

// PutEvent stores ev under its id.
func (s *Store) PutEvent(ctx context.Context, ev *event.Event) error {
	data, err := ev.ToJSON()
	if err != nil {
		return xerrors.Errorf("encoding event %s: %w", ev.ID, err)
	}
	if err := s.ds.Put(ctx, eventKey(ev.ID), data); err != nil {
		return xerrors.Errorf("storing event %s: %w", ev.ID, err)
	}
	return nil
}

// ListEvents returns stored events matching the filter, oldest first.
func (s *Store) ListEvents(ctx context.Context, filter mkt.EventFilter) ([]*event.Event, error) {
	res, err := s.ds.Query(ctx, dsq.Query{})
	if err != nil {
		return nil, xerrors.Errorf("querying events: %w", err)
	}
	defer res.Close()

	kinds := make(map[int]bool, len(filter.Kinds))
	for _, k := range filter.Kinds {
		kinds[k] = true
	}

	var out []*event.Event
	for entry := range res.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		ev, err := event.FromJSON(entry.Value)
		if err != nil {
			return nil, xerrors.Errorf("decoding event at %s: %w", entry.Key, err)
		}
		if len(kinds) > 0 && !kinds[ev.Kind] {
			continue
		}
		if filter.Since > 0 && ev.CreatedAt < filter.Since {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
