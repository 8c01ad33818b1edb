package api

import (
	"net/http"
	"strconv"

	"github.com/jipview/collector/internal/collect"
)

type complexRequest struct {
	Name            string        `json:"name"`
	Address         string        `json:"address"`
	RegionCode      string        `json:"region_code"`
	KBComplexID     string        `json:"kb_complex_id"`
	Priority        string        `json:"priority"`
	Active          *bool         `json:"is_active"`
	CollectListings bool          `json:"collect_listings"`
	Areas           []areaRequest `json:"areas"`
}

type areaRequest struct {
	ExclusiveM2 float64 `json:"exclusive_m2"`
	SupplyM2    float64 `json:"supply_m2"`
	Pyeong      float64 `json:"pyeong"`
	KBAreaCode  string  `json:"kb_area_code"`
}

func (req complexRequest) toComplex() (collect.Complex, error) {
	if req.Name == "" {
		return collect.Complex{}, collect.Validationf("complex name is required")
	}
	priority := collect.Priority(req.Priority)
	if priority == "" {
		priority = collect.PriorityNormal
	}
	switch priority {
	case collect.PriorityHigh, collect.PriorityNormal, collect.PriorityLow:
	default:
		return collect.Complex{}, collect.Validationf("unknown priority %q", req.Priority)
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	cpx := collect.Complex{
		Name:            req.Name,
		Address:         req.Address,
		RegionCode:      req.RegionCode,
		KBComplexID:     req.KBComplexID,
		Priority:        priority,
		Active:          active,
		CollectListings: req.CollectListings,
	}
	for _, a := range req.Areas {
		if a.ExclusiveM2 <= 0 {
			return collect.Complex{}, collect.Validationf("area exclusive_m2 must be positive")
		}
		cpx.Areas = append(cpx.Areas, collect.Area{
			ExclusiveM2: a.ExclusiveM2,
			SupplyM2:    a.SupplyM2,
			Pyeong:      a.Pyeong,
			KBAreaCode:  a.KBAreaCode,
		})
	}
	return cpx, nil
}

func (s *Server) createComplex(w http.ResponseWriter, r *http.Request) {
	var req complexRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	cpx, err := req.toComplex()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.complexes.CreateComplex(r.Context(), cpx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listComplexes(w http.ResponseWriter, r *http.Request) {
	offset, limit := paging(r)
	filter := collect.ComplexFilter{
		RegionPrefix: r.URL.Query().Get("region_prefix"),
		Search:       r.URL.Query().Get("search"),
		Offset:       offset,
		Limit:        limit,
	}
	if raw := r.URL.Query().Get("is_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			s.badRequest(w, "invalid is_active")
			return
		}
		filter.Active = &active
	}
	complexes, total, err := s.complexes.ListComplexes(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"complexes": complexes, "total": total})
}

func (s *Server) getComplex(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "complex_id")
	if !ok {
		return
	}
	cpx, err := s.complexes.GetComplex(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cpx)
}

func (s *Server) updateComplex(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "complex_id")
	if !ok {
		return
	}
	var req complexRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	cpx, err := req.toComplex()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cpx.ID = id
	updated, err := s.complexes.UpdateComplex(r.Context(), cpx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteComplex(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "complex_id")
	if !ok {
		return
	}
	if err := s.complexes.DeleteComplex(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) collectComplex(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "complex_id")
	if !ok {
		return
	}
	run, err := s.scheduler.RunAdHoc(r.Context(), []int64{id}, "manual")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

type batchCollectRequest struct {
	ComplexIDs []int64 `json:"complex_ids"`
}

func (s *Server) batchCollect(w http.ResponseWriter, r *http.Request) {
	var req batchCollectRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	run, err := s.scheduler.RunAdHoc(r.Context(), req.ComplexIDs, "manual")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) lastRuns(w http.ResponseWriter, r *http.Request) {
	_, limit := paging(r)
	byComplex, err := s.aggregator.LastRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"last_runs": byComplex})
}

// regionCounts tallies complexes by sido (2-digit) and sigungu (5-digit)
// region code prefixes.
func (s *Server) regionCounts(w http.ResponseWriter, r *http.Request) {
	sido := map[string]int{}
	sigungu := map[string]int{}
	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		page, _, err := s.complexes.ListComplexes(r.Context(), collect.ComplexFilter{
			Offset: offset,
			Limit:  pageSize,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, cpx := range page {
			if len(cpx.RegionCode) >= 2 {
				sido[cpx.RegionCode[:2]]++
			}
			if len(cpx.RegionCode) >= 5 {
				sigungu[cpx.RegionCode[:5]]++
			}
		}
		if len(page) < pageSize {
			break
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sido": sido, "sigungu": sigungu})
}
