package api

import "net/http"

func (s *Server) handleListRails(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rails.List())
}
