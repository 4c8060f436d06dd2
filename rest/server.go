package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/dispatcher"
	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/persistence"
	"github.com/Theauxm/workrail/scheduler"
)

// Server is the admin HTTP surface: trigger manifests, inspect runs,
// resolve dead letters.
type Server struct {
	http.Server
	Port        int
	data        persistence.DataContext
	scheduler   *scheduler.ManifestScheduler
	deadLetters *dispatcher.DeadLetterService
}

func NewServer(httpPort int, data persistence.DataContext, sch *scheduler.ManifestScheduler, deadLetters *dispatcher.DeadLetterService) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		Port:        httpPort,
		data:        data,
		scheduler:   sch,
		deadLetters: deadLetters,
	}

	router := mux.NewRouter()
	router.HandleFunc("/manifest/{externalId}", s.HandleGetManifest).Methods(http.MethodGet)
	router.HandleFunc("/manifest/{externalId}/trigger", s.HandleTriggerManifest).Methods(http.MethodPost)
	router.HandleFunc("/manifest/{externalId}/enable", s.HandleEnableManifest).Methods(http.MethodPost)
	router.HandleFunc("/manifest/{externalId}/disable", s.HandleDisableManifest).Methods(http.MethodPost)
	router.HandleFunc("/metadata/{externalId}", s.HandleGetMetadata).Methods(http.MethodGet)
	router.HandleFunc("/deadletters", s.HandleListDeadLetters).Methods(http.MethodGet)
	router.HandleFunc("/deadletter/{id}/retry", s.HandleRetryDeadLetter).Methods(http.MethodPost)
	router.HandleFunc("/deadletter/{id}/ack", s.HandleAckDeadLetter).Methods(http.MethodPost)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func (s *Server) Name() string {
	return "http-server"
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message string) {
	respondWithJSON(w, http.StatusOK, map[string]string{"message": message})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
