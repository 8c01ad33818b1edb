package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
)

// Data endpoints serve collected rows back for browsing. Every endpoint is
// scoped to one complex and supports a CSV export via format=csv.

func (s *Server) dataComplexID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("complex_id"), 10, 64)
	if err != nil || id <= 0 {
		s.badRequest(w, "complex_id query parameter is required")
		return 0, false
	}
	return id, true
}

func (s *Server) dataPrices(w http.ResponseWriter, r *http.Request) {
	complexID, ok := s.dataComplexID(w, r)
	if !ok {
		return
	}
	areaID, _ := strconv.ParseInt(r.URL.Query().Get("area_id"), 10, 64)
	_, limit := paging(r)

	prices, err := s.data.ListPrices(r.Context(), complexID, areaID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		records := make([][]string, 0, len(prices))
		for _, p := range prices {
			records = append(records, []string{
				strconv.FormatInt(p.ComplexID, 10),
				strconv.FormatInt(p.AreaID, 10),
				p.AsOfDate.Format("2006-01-02"),
				strconv.FormatInt(p.GeneralPrice, 10),
				strconv.FormatInt(p.HighAvgPrice, 10),
				strconv.FormatInt(p.LowAvgPrice, 10),
				p.Source,
			})
		}
		s.writeCSV(w, "prices.csv",
			[]string{"complex_id", "area_id", "as_of_date", "general_price", "high_avg_price", "low_avg_price", "source"},
			records)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}

func (s *Server) dataTransactions(w http.ResponseWriter, r *http.Request) {
	complexID, ok := s.dataComplexID(w, r)
	if !ok {
		return
	}
	_, limit := paging(r)

	txs, err := s.data.ListTransactions(r.Context(), complexID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		records := make([][]string, 0, len(txs))
		for _, tx := range txs {
			records = append(records, []string{
				strconv.FormatInt(tx.ComplexID, 10),
				tx.ContractDate.Format("2006-01-02"),
				strconv.FormatInt(tx.Price, 10),
				fmt.Sprintf("%.2f", tx.ExclusiveM2),
				strconv.Itoa(tx.Floor),
				tx.Source,
			})
		}
		s.writeCSV(w, "transactions.csv",
			[]string{"complex_id", "contract_date", "price", "exclusive_m2", "floor", "source"},
			records)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) dataListings(w http.ResponseWriter, r *http.Request) {
	complexID, ok := s.dataComplexID(w, r)
	if !ok {
		return
	}
	status := collect.ListingStatus(r.URL.Query().Get("status"))
	_, limit := paging(r)

	listings, err := s.data.ListListings(r.Context(), complexID, status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		records := make([][]string, 0, len(listings))
		for _, l := range listings {
			records = append(records, []string{
				strconv.FormatInt(l.ComplexID, 10),
				l.SourceListingID,
				strconv.FormatInt(l.AskPrice, 10),
				fmt.Sprintf("%.2f", l.ExclusiveM2),
				strconv.Itoa(l.Floor),
				string(l.Status),
			})
		}
		s.writeCSV(w, "listings.csv",
			[]string{"complex_id", "source_listing_id", "ask_price", "exclusive_m2", "floor", "status"},
			records)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

func (s *Server) writeCSV(w http.ResponseWriter, filename string, header []string, records [][]string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		s.logger.Error("write CSV failed", zap.Error(err))
		return
	}
	if err := cw.WriteAll(records); err != nil {
		s.logger.Error("write CSV failed", zap.Error(err))
	}
}
