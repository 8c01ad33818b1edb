// Package connector routes collection requests to the upstream clients and
// persists what they return.
package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
	"github.com/jipview/collector/internal/connector/kb"
	"github.com/jipview/collector/internal/connector/molit"
)

// KBAPI is the slice of the KB client the service uses.
type KBAPI interface {
	FetchPrice(ctx context.Context, kbComplexID, kbAreaCode string) (kb.PriceQuote, []byte, error)
	FetchListings(ctx context.Context, kbComplexID string) ([]kb.ListingItem, []byte, error)
}

// MOLITAPI is the slice of the MOLIT client the service uses.
type MOLITAPI interface {
	FetchTransactions(ctx context.Context, lawdCd, dealYmd string) ([]molit.Transaction, []byte, error)
}

// Service implements collect.Collector by dispatching on the task kind.
type Service struct {
	kb     KBAPI
	molit  MOLITAPI
	data   collect.DataStore
	blobs  collect.BlobStore
	clock  collect.Clock
	logger *zap.Logger
}

// NewService wires the upstream clients to the data and blob stores.
func NewService(kbClient KBAPI, molitClient MOLITAPI, data collect.DataStore, blobs collect.BlobStore, clock collect.Clock, logger *zap.Logger) *Service {
	return &Service{
		kb:     kbClient,
		molit:  molitClient,
		data:   data,
		blobs:  blobs,
		clock:  clock,
		logger: logger,
	}
}

// Collect performs one collection operation. Upserts keyed on source
// identifiers make retried requests idempotent.
func (s *Service) Collect(ctx context.Context, req collect.CollectRequest) (collect.CollectResult, error) {
	switch req.Kind {
	case collect.TaskKindPrice:
		return s.collectPrice(ctx, req)
	case collect.TaskKindListing:
		return s.collectListings(ctx, req)
	case collect.TaskKindTransaction:
		return s.collectTransactions(ctx, req)
	default:
		return collect.CollectResult{}, collect.Validationf("unknown task kind %q", req.Kind)
	}
}

func (s *Service) collectPrice(ctx context.Context, req collect.CollectRequest) (collect.CollectResult, error) {
	if req.Complex.KBComplexID == "" {
		return collect.CollectResult{}, collect.Validationf("complex %d has no kb_complex_id", req.Complex.ID)
	}
	if req.Area == nil {
		return collect.CollectResult{}, collect.Validationf("price task %s resolved no area", req.TaskKey)
	}

	quote, raw, err := s.kb.FetchPrice(ctx, req.Complex.KBComplexID, req.Area.KBAreaCode)
	if err != nil {
		return collect.CollectResult{}, err
	}
	s.archive(ctx, req, "json", raw)

	now := s.clock.Now()
	point := collect.PricePoint{
		ComplexID:    req.Complex.ID,
		AreaID:       req.Area.ID,
		AsOfDate:     now.Truncate(24 * time.Hour),
		GeneralPrice: quote.GeneralPrice,
		HighAvgPrice: quote.HighAvgPrice,
		LowAvgPrice:  quote.LowAvgPrice,
		Source:       "kb",
		FetchedAt:    now,
	}
	if err := s.data.UpsertPrice(ctx, point); err != nil {
		return collect.CollectResult{}, fmt.Errorf("save price point: %w", err)
	}
	return collect.CollectResult{ItemsCollected: 1, ItemsSaved: 1}, nil
}

func (s *Service) collectListings(ctx context.Context, req collect.CollectRequest) (collect.CollectResult, error) {
	if req.Complex.KBComplexID == "" {
		return collect.CollectResult{}, collect.Validationf("complex %d has no kb_complex_id", req.Complex.ID)
	}

	items, raw, err := s.kb.FetchListings(ctx, req.Complex.KBComplexID)
	if err != nil {
		return collect.CollectResult{}, err
	}
	s.archive(ctx, req, "json", raw)

	now := s.clock.Now()
	seen := make([]string, 0, len(items))
	saved := 0
	for _, item := range items {
		if item.ListingID == "" {
			continue
		}
		listing := collect.Listing{
			ComplexID:       req.Complex.ID,
			SourceListingID: item.ListingID,
			AskPrice:        item.AskPrice,
			ExclusiveM2:     item.ExclusiveM2,
			Floor:           item.Floor,
			Status:          collect.ListingActive,
			FetchedAt:       now,
			LastSeenAt:      now,
		}
		if err := s.data.UpsertListing(ctx, listing); err != nil {
			return collect.CollectResult{}, fmt.Errorf("save listing %s: %w", item.ListingID, err)
		}
		seen = append(seen, item.ListingID)
		saved++
	}

	retired, err := s.data.RetireUnseenListings(ctx, req.Complex.ID, seen, now)
	if err != nil {
		return collect.CollectResult{}, fmt.Errorf("retire unseen listings: %w", err)
	}
	if retired > 0 {
		s.logger.Info("retired listings no longer at source",
			zap.Int64("complex_id", req.Complex.ID),
			zap.Int("retired", retired))
	}
	return collect.CollectResult{ItemsCollected: len(items), ItemsSaved: saved}, nil
}

func (s *Service) collectTransactions(ctx context.Context, req collect.CollectRequest) (collect.CollectResult, error) {
	if len(req.Complex.RegionCode) < 5 {
		return collect.CollectResult{}, collect.Validationf("complex %d region code %q is too short for a legal-dong lookup", req.Complex.ID, req.Complex.RegionCode)
	}
	lawdCd := req.Complex.RegionCode[:5]
	dealYmd := s.clock.Now().Format("200601")

	txs, raw, err := s.molit.FetchTransactions(ctx, lawdCd, dealYmd)
	if err != nil {
		return collect.CollectResult{}, err
	}
	s.archive(ctx, req, "xml", raw)

	now := s.clock.Now()
	saved := 0
	for _, tx := range txs {
		// The endpoint returns every sale in the legal dong; keep only
		// rows whose apartment name matches this complex.
		if !nameMatches(req.Complex.Name, tx.AptName) {
			continue
		}
		row := collect.Transaction{
			ComplexID:    req.Complex.ID,
			ContractDate: tx.ContractDate,
			Price:        tx.Price,
			ExclusiveM2:  tx.ExclusiveM2,
			Floor:        tx.Floor,
			Source:       "molit",
			FetchedAt:    now,
		}
		if err := s.data.UpsertTransaction(ctx, row); err != nil {
			return collect.CollectResult{}, fmt.Errorf("save transaction: %w", err)
		}
		saved++
	}
	return collect.CollectResult{ItemsCollected: len(txs), ItemsSaved: saved}, nil
}

// archive snapshots the raw upstream payload. Failures are logged, not
// surfaced; the parsed rows already made it to the data store path.
func (s *Service) archive(ctx context.Context, req collect.CollectRequest, ext string, raw []byte) {
	if s.blobs == nil || len(raw) == 0 {
		return
	}
	path := fmt.Sprintf("payloads/run_%d/%s.%s", req.RunID, req.TaskKey, ext)
	contentType := "application/json"
	if ext == "xml" {
		contentType = "application/xml"
	}
	if _, err := s.blobs.PutObject(ctx, path, contentType, raw); err != nil {
		s.logger.Warn("failed to archive raw payload",
			zap.String("task_key", req.TaskKey),
			zap.Int64("run_id", req.RunID),
			zap.Error(err))
	}
}

func nameMatches(complexName, aptName string) bool {
	a := strings.TrimSpace(complexName)
	b := strings.TrimSpace(aptName)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
