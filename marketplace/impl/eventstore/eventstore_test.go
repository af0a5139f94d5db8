package eventstore_test

import (
	"context"
	"strings"
	"testing"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domp-protocol/go-domp-markets/event"
	mkt "github.com/domp-protocol/go-domp-markets/marketplace"
	"github.com/domp-protocol/go-domp-markets/marketplace/impl/eventstore"
)

func testEvent(id string, kind int, createdAt int64) *event.Event {
	return &event.Event{
		ID:        id,
		PubKey:    strings.Repeat("ab", 32),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      [][]string{},
		Content:   "{}",
	}
}

func TestPutGetHas(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New(dss.MutexWrap(datastore.NewMapDatastore()))

	ev := testEvent(strings.Repeat("11", 32), 300, 1000)

	has, err := store.HasEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.False(t, has)

	_, err = store.GetEvent(ctx, ev.ID)
	require.ErrorIs(t, err, eventstore.ErrNotFound)

	require.NoError(t, store.PutEvent(ctx, ev))

	has, err = store.HasEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.True(t, has)

	got, err := store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, ev, got)

	// re-storing is a no-op
	require.NoError(t, store.PutEvent(ctx, ev))
}

func TestListEvents(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New(dss.MutexWrap(datastore.NewMapDatastore()))

	fixtures := []*event.Event{
		testEvent(strings.Repeat("11", 32), 300, 3000),
		testEvent(strings.Repeat("22", 32), 301, 1000),
		testEvent(strings.Repeat("33", 32), 301, 2000),
		testEvent(strings.Repeat("44", 32), 321, 4000),
	}
	for _, ev := range fixtures {
		require.NoError(t, store.PutEvent(ctx, ev))
	}

	t.Run("no filter returns all, oldest first", func(t *testing.T) {
		events, err := store.ListEvents(ctx, mkt.EventFilter{})
		require.NoError(t, err)
		require.Len(t, events, 4)
		for i := 1; i < len(events); i++ {
			assert.LessOrEqual(t, events[i-1].CreatedAt, events[i].CreatedAt)
		}
	})

	t.Run("kind filter", func(t *testing.T) {
		events, err := store.ListEvents(ctx, mkt.EventFilter{Kinds: []int{301}})
		require.NoError(t, err)
		require.Len(t, events, 2)
		for _, ev := range events {
			assert.Equal(t, 301, ev.Kind)
		}
	})

	t.Run("since filter", func(t *testing.T) {
		events, err := store.ListEvents(ctx, mkt.EventFilter{Since: 2500})
		require.NoError(t, err)
		require.Len(t, events, 2)
	})

	t.Run("limit", func(t *testing.T) {
		events, err := store.ListEvents(ctx, mkt.EventFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.EqualValues(t, 1000, events[0].CreatedAt)
	})
}
