package server

import (
	"net/http"

	"github.com/parchmint/parchmint/errors"
)

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// handleSearch embeds the query text and returns the nearest chunks.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeValidated(r, searchSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	vectors, err := s.embedder.Embed(r.Context(), []string{req.Query})
	if err != nil {
		s.writeError(w, errors.Wrap(err, "failed to embed query"))
		return
	}
	if len(vectors) != 1 {
		s.writeError(w, errors.Newf("embedding service returned %d vectors for one query", len(vectors)))
		return
	}

	results, err := s.embeddings.Search(r.Context(), vectors[0], req.K)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   req.Query,
		"results": results,
	})
}
