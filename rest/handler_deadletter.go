package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/persistence"
)

func (s *Server) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.deadLetters.List(r.Context())
	if err != nil {
		logger.Error("error listing dead letters", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error listing dead letters")
		return
	}
	respondWithJSON(w, http.StatusOK, letters)
}

func (s *Server) HandleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}
	meta, err := s.deadLetters.Retry(r.Context(), id)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("error retrying dead letter", zap.Int64("id", id), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, meta)
}

func (s *Server) HandleAckDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
		defer r.Body.Close()
	}
	if err := s.deadLetters.Acknowledge(r.Context(), id, body.Note); err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("error acknowledging dead letter", zap.Int64("id", id), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondOK(w, "dead letter acknowledged")
}
