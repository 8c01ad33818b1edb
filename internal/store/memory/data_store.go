package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jipview/collector/internal/collect"
)

// DataStore keeps collected rows in maps keyed the way the database upserts
// are keyed, so retried tasks overwrite instead of duplicating.
type DataStore struct {
	mu           sync.RWMutex
	prices       map[string]collect.PricePoint
	transactions map[string]collect.Transaction
	listings     map[string]collect.Listing
}

// NewDataStore constructs a DataStore.
func NewDataStore() *DataStore {
	return &DataStore{
		prices:       make(map[string]collect.PricePoint),
		transactions: make(map[string]collect.Transaction),
		listings:     make(map[string]collect.Listing),
	}
}

func priceKey(p collect.PricePoint) string {
	return fmt.Sprintf("%d/%d/%s", p.ComplexID, p.AreaID, p.AsOfDate.Format("2006-01-02"))
}

func transactionKey(tx collect.Transaction) string {
	return fmt.Sprintf("%d/%s/%d/%.2f/%d",
		tx.ComplexID, tx.ContractDate.Format("2006-01-02"), tx.Price, tx.ExclusiveM2, tx.Floor)
}

func listingKey(l collect.Listing) string {
	return fmt.Sprintf("%d/%s", l.ComplexID, l.SourceListingID)
}

// UpsertPrice inserts or replaces a price snapshot.
func (s *DataStore) UpsertPrice(_ context.Context, p collect.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[priceKey(p)] = p
	return nil
}

// UpsertTransaction inserts or replaces a recorded sale.
func (s *DataStore) UpsertTransaction(_ context.Context, tx collect.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[transactionKey(tx)] = tx
	return nil
}

// UpsertListing inserts or replaces a listing row.
func (s *DataStore) UpsertListing(_ context.Context, l collect.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[listingKey(l)] = l
	return nil
}

// RetireUnseenListings flips active listings for the complex that are not in
// seen to removed, returning how many were retired.
func (s *DataStore) RetireUnseenListings(_ context.Context, complexID int64, seen []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seenSet := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		seenSet[id] = struct{}{}
	}

	retired := 0
	for key, l := range s.listings {
		if l.ComplexID != complexID || l.Status != collect.ListingActive {
			continue
		}
		if _, ok := seenSet[l.SourceListingID]; ok {
			continue
		}
		l.Status = collect.ListingRemoved
		l.LastSeenAt = at
		s.listings[key] = l
		retired++
	}
	return retired, nil
}

// ListPrices returns price snapshots for a complex, newest first. A zero
// areaID matches every area.
func (s *DataStore) ListPrices(_ context.Context, complexID, areaID int64, limit int) ([]collect.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.PricePoint, 0)
	for _, p := range s.prices {
		if p.ComplexID != complexID {
			continue
		}
		if areaID != 0 && p.AreaID != areaID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AsOfDate.After(out[j].AsOfDate) })
	return clip(out, limit), nil
}

// ListTransactions returns recorded sales for a complex, newest first.
func (s *DataStore) ListTransactions(_ context.Context, complexID int64, limit int) ([]collect.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.Transaction, 0)
	for _, tx := range s.transactions {
		if tx.ComplexID != complexID {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractDate.After(out[j].ContractDate) })
	return clip(out, limit), nil
}

// ListListings returns listings for a complex, optionally filtered by
// status, newest first.
func (s *DataStore) ListListings(_ context.Context, complexID int64, status collect.ListingStatus, limit int) ([]collect.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.Listing, 0)
	for _, l := range s.listings {
		if l.ComplexID != complexID {
			continue
		}
		if status != "" && l.Status != status {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return clip(out, limit), nil
}

func clip[T any](in []T, limit int) []T {
	if limit > 0 && limit < len(in) {
		return in[:limit]
	}
	return in
}

// PriceCount reports how many price snapshots are stored.
func (s *DataStore) PriceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prices)
}

// TransactionCount reports how many recorded sales are stored.
func (s *DataStore) TransactionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transactions)
}

// Listings returns all listings for a complex.
func (s *DataStore) Listings(complexID int64) []collect.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collect.Listing, 0)
	for _, l := range s.listings {
		if l.ComplexID == complexID {
			out = append(out, l)
		}
	}
	return out
}
