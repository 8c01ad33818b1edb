package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	archivemem "github.com/jipview/collector/internal/archive/memory"
	"github.com/jipview/collector/internal/collect"
	"github.com/jipview/collector/internal/connector/kb"
	"github.com/jipview/collector/internal/connector/molit"
	storemem "github.com/jipview/collector/internal/store/memory"
)

type fakeKB struct {
	quote    kb.PriceQuote
	listings []kb.ListingItem
	err      error
}

func (f *fakeKB) FetchPrice(context.Context, string, string) (kb.PriceQuote, []byte, error) {
	return f.quote, []byte(`{"dealAvgPrice":1}`), f.err
}

func (f *fakeKB) FetchListings(context.Context, string) ([]kb.ListingItem, []byte, error) {
	return f.listings, []byte(`{"propList":[]}`), f.err
}

type fakeMOLIT struct {
	txs     []molit.Transaction
	lawdCd  string
	dealYmd string
	err     error
}

func (f *fakeMOLIT) FetchTransactions(_ context.Context, lawdCd, dealYmd string) ([]molit.Transaction, []byte, error) {
	f.lawdCd = lawdCd
	f.dealYmd = dealYmd
	return f.txs, []byte(`<response/>`), f.err
}

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func testComplex() collect.Complex {
	return collect.Complex{
		ID:          7,
		Name:        "은마아파트",
		RegionCode:  "1168010300",
		KBComplexID: "KB123",
		Active:      true,
		Areas:       []collect.Area{{ID: 31, ComplexID: 7, ExclusiveM2: 84.43, KBAreaCode: "A1"}},
	}
}

func newFixture(kbClient KBAPI, molitClient MOLITAPI) (*Service, *storemem.DataStore, *archivemem.BlobStore) {
	data := storemem.NewDataStore()
	blobs := archivemem.NewBlobStore()
	clock := fixedClock{at: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
	svc := NewService(kbClient, molitClient, data, blobs, clock, zap.NewNop())
	return svc, data, blobs
}

func TestCollectPrice(t *testing.T) {
	t.Parallel()

	kbClient := &fakeKB{quote: kb.PriceQuote{GeneralPrice: 240000, HighAvgPrice: 250000, LowAvgPrice: 230000}}
	svc, data, blobs := newFixture(kbClient, &fakeMOLIT{})

	cpx := testComplex()
	result, err := svc.Collect(context.Background(), collect.CollectRequest{
		Kind:    collect.TaskKindPrice,
		TaskKey: "kb_price_7_31",
		RunID:   1,
		Complex: cpx,
		Area:    &cpx.Areas[0],
	})
	require.NoError(t, err)
	require.Equal(t, collect.CollectResult{ItemsCollected: 1, ItemsSaved: 1}, result)
	require.Equal(t, 1, data.PriceCount())

	_, ok := blobs.Object("payloads/run_1/kb_price_7_31.json")
	require.True(t, ok, "raw payload should be archived")
}

func TestCollectPriceMissingKBID(t *testing.T) {
	t.Parallel()

	svc, _, _ := newFixture(&fakeKB{}, &fakeMOLIT{})
	cpx := testComplex()
	cpx.KBComplexID = ""

	_, err := svc.Collect(context.Background(), collect.CollectRequest{
		Kind:    collect.TaskKindPrice,
		TaskKey: "kb_price_7_31",
		Complex: cpx,
		Area:    &cpx.Areas[0],
	})
	var validation *collect.ValidationError
	require.ErrorAs(t, err, &validation)
	require.False(t, collect.Retryable(err))
}

func TestCollectListingsRetiresUnseen(t *testing.T) {
	t.Parallel()

	kbClient := &fakeKB{listings: []kb.ListingItem{
		{ListingID: "L1", AskPrice: 240000, ExclusiveM2: 84.43, Floor: 12},
		{ListingID: "L2", AskPrice: 235000, ExclusiveM2: 76.79, Floor: 3},
	}}
	svc, data, _ := newFixture(kbClient, &fakeMOLIT{})
	cpx := testComplex()

	request := collect.CollectRequest{
		Kind:    collect.TaskKindListing,
		TaskKey: "kb_listing_7",
		RunID:   2,
		Complex: cpx,
	}
	result, err := svc.Collect(context.Background(), request)
	require.NoError(t, err)
	require.Equal(t, collect.CollectResult{ItemsCollected: 2, ItemsSaved: 2}, result)

	// L2 disappears upstream; the next pass must retire it.
	kbClient.listings = kbClient.listings[:1]
	result, err = svc.Collect(context.Background(), request)
	require.NoError(t, err)
	require.Equal(t, collect.CollectResult{ItemsCollected: 1, ItemsSaved: 1}, result)

	byID := map[string]collect.ListingStatus{}
	for _, l := range data.Listings(cpx.ID) {
		byID[l.SourceListingID] = l.Status
	}
	require.Equal(t, collect.ListingActive, byID["L1"])
	require.Equal(t, collect.ListingRemoved, byID["L2"])
}

func TestCollectTransactionsFiltersByName(t *testing.T) {
	t.Parallel()

	molitClient := &fakeMOLIT{txs: []molit.Transaction{
		{AptName: "은마", ContractDate: time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC), Price: 240000, ExclusiveM2: 84.43, Floor: 12},
		{AptName: "다른단지", ContractDate: time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), Price: 90000, ExclusiveM2: 59.9, Floor: 5},
	}}
	svc, data, blobs := newFixture(&fakeKB{}, molitClient)

	result, err := svc.Collect(context.Background(), collect.CollectRequest{
		Kind:    collect.TaskKindTransaction,
		TaskKey: "molit_tx_7",
		RunID:   3,
		Complex: testComplex(),
	})
	require.NoError(t, err)
	require.Equal(t, collect.CollectResult{ItemsCollected: 2, ItemsSaved: 1}, result)
	require.Equal(t, 1, data.TransactionCount())

	require.Equal(t, "11680", molitClient.lawdCd)
	require.Equal(t, "202608", molitClient.dealYmd)

	_, ok := blobs.Object("payloads/run_3/molit_tx_7.xml")
	require.True(t, ok)
}

func TestCollectTransactionsShortRegionCode(t *testing.T) {
	t.Parallel()

	svc, _, _ := newFixture(&fakeKB{}, &fakeMOLIT{})
	cpx := testComplex()
	cpx.RegionCode = "11"

	_, err := svc.Collect(context.Background(), collect.CollectRequest{
		Kind:    collect.TaskKindTransaction,
		TaskKey: "molit_tx_7",
		Complex: cpx,
	})
	var validation *collect.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestCollectUnknownKind(t *testing.T) {
	t.Parallel()

	svc, _, _ := newFixture(&fakeKB{}, &fakeMOLIT{})
	_, err := svc.Collect(context.Background(), collect.CollectRequest{Kind: "bogus"})
	var validation *collect.ValidationError
	require.ErrorAs(t, err, &validation)
}
