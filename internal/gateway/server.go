package gateway

import (
	"net/http"

	"geostream/internal/geoindex"
)

// Server routes the websocket realtime endpoint and the REST surface.
type Server struct {
	index *geoindex.Index
	auth  *Authenticator
	mux   *http.ServeMux
}

// NewServer wires the gateway around an index.
func NewServer(index *geoindex.Index, auth *Authenticator) *Server {
	s := &Server{
		index: index,
		auth:  auth,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/realtime", func(w http.ResponseWriter, r *http.Request) {
		serveWs(s, w, r)
	})
	s.mux.HandleFunc("/v1/nearby", s.handleNearby)
	s.mux.HandleFunc("/v1/points/", s.handlePoint)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
