package rest

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/persistence"
)

func (s *Server) HandleGetManifest(w http.ResponseWriter, r *http.Request) {
	externalId := mux.Vars(r)["externalId"]
	m, err := s.data.Manifests().Get(r.Context(), externalId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("error fetching manifest", zap.String("externalId", externalId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error fetching manifest")
		return
	}
	respondWithJSON(w, http.StatusOK, m)
}

func (s *Server) HandleTriggerManifest(w http.ResponseWriter, r *http.Request) {
	externalId := mux.Vars(r)["externalId"]
	entry, err := s.scheduler.TriggerNow(r.Context(), externalId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("error triggering manifest", zap.String("externalId", externalId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error triggering manifest")
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

func (s *Server) HandleEnableManifest(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) HandleDisableManifest(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	externalId := mux.Vars(r)["externalId"]
	var err error
	if enabled {
		err = s.scheduler.Enable(r.Context(), externalId)
	} else {
		err = s.scheduler.Disable(r.Context(), externalId)
	}
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("error updating manifest", zap.String("externalId", externalId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error updating manifest")
		return
	}
	respondOK(w, "manifest updated")
}
