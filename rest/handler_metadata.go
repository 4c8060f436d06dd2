package rest

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/persistence"
)

func (s *Server) HandleGetMetadata(w http.ResponseWriter, r *http.Request) {
	externalId := mux.Vars(r)["externalId"]
	m, err := s.data.Metadata().GetByExternalId(r.Context(), externalId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("error fetching metadata", zap.String("externalId", externalId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error fetching metadata")
		return
	}
	respondWithJSON(w, http.StatusOK, m)
}
