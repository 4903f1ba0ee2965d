// Package server is a reference collector: it accepts the records the relay
// posts and stores them in SQLite.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vincentbai/clicktrace-agent/internal/database"
	"github.com/vincentbai/clicktrace-agent/internal/models"
)

const maxBodyBytes = 1 << 20

type Server struct {
	db      *database.Database
	address string
	server  *http.Server
	logger  *slog.Logger
	now     func() time.Time
}

func NewServer(db *database.Database, address string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:      db,
		address: address,
		logger:  logger,
		now:     time.Now,
	}
}

type receipt struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleClick(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var event models.InteractionEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, request.Body, maxBodyBytes)).Decode(&event); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	id, err := s.db.InsertClick(event, s.now())
	if errors.Is(err, database.ErrInvalidRecord) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("database error", "error", err)
		http.Error(w, "Failed to store click", http.StatusInternalServerError)
		return
	}
	writeReceipt(w, id)
}

func (s *Server) handleUserLogin(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var record models.IdentityRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, request.Body, maxBodyBytes)).Decode(&record); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	id, err := s.db.InsertIdentity(record, s.now())
	if errors.Is(err, database.ErrInvalidRecord) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("database error", "error", err)
		http.Error(w, "Failed to store identity", http.StatusInternalServerError)
		return
	}
	writeReceipt(w, id)
}

func writeReceipt(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(receipt{Status: "ok", ID: id})
}

// allowCrossOrigin lets a browser relay post from any extension origin.
func allowCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, request *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if request.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, request)
	})
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/click", allowCrossOrigin(http.HandlerFunc(s.handleClick)))
	mux.Handle("/user_login", allowCrossOrigin(http.HandlerFunc(s.handleUserLogin)))
	return mux
}

func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	serveErrors := make(chan error, 1)
	go func() {
		s.logger.Info("clicktrace collector listening", "address", listener.Addr().String())
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErrors <- err
		}
		close(serveErrors)
	}()

	select {
	case err := <-serveErrors:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("shutting down collector")

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return err
	}

	s.logger.Info("collector exited")
	return nil
}
