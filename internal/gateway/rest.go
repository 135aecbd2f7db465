package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/schema"

	"geostream/internal/geomath"
	"geostream/internal/planner"
	"geostream/pkg/model"
)

var queryDecoder = newQueryDecoder()

func newQueryDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}

// nearbyRequest is the decoded query string of GET /v1/nearby.
type nearbyRequest struct {
	Lat      float64 `schema:"lat,required"`
	Lng      float64 `schema:"lng,required"`
	RadiusKm float64 `schema:"radius,required"`
}

// nearbyPoint is one result of a nearby lookup.
type nearbyPoint struct {
	Key        string         `json:"key"`
	Location   model.Location `json:"location"`
	DistanceKm float64        `json:"distanceKm"`
}

// handleNearby answers a one-shot circle query: plan the ranges, read them,
// reject the false positives by distance and sort by proximity.
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.restAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}

	var req nearbyRequest
	if err := queryDecoder.Decode(&req, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query parameters: "+err.Error())
		return
	}

	center := model.Location{Latitude: req.Lat, Longitude: req.Lng}
	radius := req.RadiusKm
	criteria := model.Criteria{Center: &center, RadiusKm: &radius}
	if err := criteria.Validate(true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ds := s.index.Store()
	results := []nearbyPoint{}
	seen := make(map[string]bool)
	for _, pr := range planner.QueryRanges(center, radius*1000, s.index.Precision()) {
		recs, err := ds.QueryRange(r.Context(), pr.Lo, pr.Hi)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, rec := range recs {
			if seen[rec.Key] {
				continue
			}
			seen[rec.Key] = true
			d := geomath.DistanceKm(rec.Location, center)
			if d <= radius {
				results = append(results, nearbyPoint{Key: rec.Key, Location: rec.Location, DistanceKm: d})
			}
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].DistanceKm < results[j].DistanceKm })

	writeJSON(w, http.StatusOK, results)
}

// pointRequest is the body of PUT /v1/points/{key}.
type pointRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// handlePoint serves PUT, GET and DELETE on /v1/points/{key}.
func (s *Server) handlePoint(w http.ResponseWriter, r *http.Request) {
	if !s.restAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/v1/points/")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}

	switch r.Method {
	case http.MethodPut:
		var body pointRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		loc := model.Location{Latitude: body.Lat, Longitude: body.Lng}
		if err := s.index.Set(r.Context(), key, loc); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key})

	case http.MethodGet:
		loc, err := s.index.Get(r.Context(), key)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		if loc == nil {
			writeError(w, http.StatusNotFound, "point not found")
			return
		}
		writeJSON(w, http.StatusOK, loc)

	case http.MethodDelete:
		if err := s.index.Remove(r.Context(), key); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) restAuthorized(r *http.Request) bool {
	if !s.auth.Enabled() {
		return true
	}
	return s.auth.Verify(bearerToken(r)) == nil
}

func statusFor(err error) int {
	switch {
	case errorIsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorIsValidation(err error) bool {
	for _, sentinel := range []error{
		model.ErrInvalidKey,
		model.ErrInvalidLocation,
		model.ErrInvalidCriteria,
		model.ErrInvalidGeohash,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorPayload{Code: http.StatusText(status), Message: message})
}
