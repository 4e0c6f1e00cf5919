package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"brainmap/internal/pipeline"
	"brainmap/internal/storage"
	"brainmap/internal/watch"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server wraps the HTTP server plus the directory watcher that feeds
// mirror jobs into the pipeline.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	watcher  *watch.Watcher
	log      *slog.Logger
	server   *http.Server
	hub      *wsHub
	upgrader websocket.Upgrader
}

// NewServer creates a server. When watchPaths is non-empty, volumes
// appearing under those directories get mirror jobs submitted
// automatically.
func NewServer(
	addr string,
	store *storage.Store,
	pipe *pipeline.Pipeline,
	watchPaths []string,
	mirrorMarker, mirrorSuffix string,
	log *slog.Logger,
) (*Server, error) {

	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newWSHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	if len(watchPaths) > 0 {
		watcher, err := watch.New(watchPaths, mirrorMarker, mirrorSuffix, log)
		if err != nil {
			log.Warn("Failed to setup watcher", "error", err)
		} else {
			s.watcher = watcher
			log.Info("Watcher initialized", "paths", watchPaths)
		}
	}

	return s, nil
}

// Start begins the server and monitoring services.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("Failed to start watcher", "error", err)
			return err
		}
		submitter := &watch.Submitter{Pipe: s.pipeline, Log: s.log}
		go submitter.Run(s.watcher.Events)
	}

	go s.hub.run()
	go s.broadcastResults(ctx)

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")

		if s.watcher != nil {
			s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/jobs/{id}/meta", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/jobs/{id}/warnings", s.handleJobWarnings).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Serve builds a server and runs it until ctx is cancelled.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, watchPaths []string, mirrorMarker, mirrorSuffix string, log *slog.Logger) error {
	server, err := NewServer(addr, store, pipe, watchPaths, mirrorMarker, mirrorSuffix, log)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentExtractionRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.JobMeta(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

func (s *Server) handleJobWarnings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	warnings, err := s.store.SampleWarnings(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(warnings)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	s.hub.register <- conn

	go func() {
		defer func() {
			s.hub.unregister <- conn
			conn.Close()
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcastResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(res)
			if err == nil {
				s.hub.broadcast <- payload
			}
		}
	}
}

type wsHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}
