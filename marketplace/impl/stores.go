package impl

import (
	"context"
	"encoding/json"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"

	mkt "github.com/domp-protocol/go-domp-markets/marketplace"
)

// listingStore and bidStore hold the derived views ingestion builds from
// listing and bid events. Both are ordinary JSON-over-datastore maps; the
// event log remains the source of truth.

type listingStore struct {
	ds datastore.Batching
}

func newListingStore(ds datastore.Batching) *listingStore {
	return &listingStore{ds: namespace.Wrap(ds, datastore.NewKey("/marketplace/listings"))}
}

func (s *listingStore) put(ctx context.Context, listing mkt.Listing) error {
	data, err := json.Marshal(&listing)
	if err != nil {
		return xerrors.Errorf("encoding listing: %w", err)
	}
	return s.ds.Put(ctx, datastore.NewKey("/"+listing.ID), data)
}

func (s *listingStore) get(ctx context.Context, id string) (mkt.Listing, error) {
	data, err := s.ds.Get(ctx, datastore.NewKey("/"+id))
	if err != nil {
		return mkt.Listing{}, err
	}
	var listing mkt.Listing
	if err := json.Unmarshal(data, &listing); err != nil {
		return mkt.Listing{}, xerrors.Errorf("decoding listing %s: %w", id, err)
	}
	return listing, nil
}

// close marks the listing sold. Missing listings are ignored; a sibling
// relay may never have seen the original.
func (s *listingStore) close(ctx context.Context, id string) error {
	listing, err := s.get(ctx, id)
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return nil
		}
		return err
	}
	if !listing.Open {
		return nil
	}
	listing.Open = false
	return s.put(ctx, listing)
}

func (s *listingStore) list(ctx context.Context, openOnly bool) ([]mkt.Listing, error) {
	res, err := s.ds.Query(ctx, dsq.Query{})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var out []mkt.Listing
	for entry := range res.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		var listing mkt.Listing
		if err := json.Unmarshal(entry.Value, &listing); err != nil {
			return nil, xerrors.Errorf("decoding listing at %s: %w", entry.Key, err)
		}
		if openOnly && !listing.Open {
			continue
		}
		out = append(out, listing)
	}
	return out, nil
}

type bidStore struct {
	ds datastore.Batching
}

func newBidStore(ds datastore.Batching) *bidStore {
	return &bidStore{ds: namespace.Wrap(ds, datastore.NewKey("/marketplace/bids"))}
}

// bids are keyed under their listing so sibling lookup is a prefix query.
func bidKey(listingID, bidID string) datastore.Key {
	return datastore.NewKey("/" + listingID + "/" + bidID)
}

func (s *bidStore) put(ctx context.Context, bid mkt.Bid) error {
	data, err := json.Marshal(&bid)
	if err != nil {
		return xerrors.Errorf("encoding bid: %w", err)
	}
	return s.ds.Put(ctx, bidKey(bid.ListingID, bid.ID), data)
}

func (s *bidStore) forListing(ctx context.Context, listingID string) ([]mkt.Bid, error) {
	res, err := s.ds.Query(ctx, dsq.Query{Prefix: "/" + listingID})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var out []mkt.Bid
	for entry := range res.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		var bid mkt.Bid
		if err := json.Unmarshal(entry.Value, &bid); err != nil {
			return nil, xerrors.Errorf("decoding bid at %s: %w", entry.Key, err)
		}
		out = append(out, bid)
	}
	return out, nil
}
