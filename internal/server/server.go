package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

// Recorder is the runtime switch of the CSV recorder.
type Recorder interface {
	SetEnabled(on bool)
}

// Server serves the latest readings over HTTP and pushes every new reading
// to WebSocket clients. It is a wmr.Handler.
type Server struct {
	cfg     *Config
	store    *wmr.Store
	recorder Recorder
	webFS    fs.FS
	metrics http.Handler
	log     *zap.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Latest readings survive restarts through a state file
	statePath string
	stateMu   sync.Mutex
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Reading  *wmr.Reading    `json:"reading,omitempty"`
	Snapshot []wmr.Reading   `json:"snapshot,omitempty"` // sent once on connect
	Config   json.RawMessage `json:"config,omitempty"`
	Stamp    int64           `json:"stamp"` // Unix ms
}

// New creates a new Server. recorder, webFS and metrics may be nil.
func New(cfg *Config, store *wmr.Store, recorder Recorder, webFS fs.FS, metrics http.Handler, log *zap.Logger) *Server {
	statePath := filepath.Join(filepath.Dir(cfg.path), "state.json")
	if cfg.path == "" {
		statePath = "/var/lib/wmrd/state.json"
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		webFS:    webFS,
		metrics:  metrics,
		log:      log.Named("server"),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		statePath: statePath,
	}
	s.loadState()
	return s
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/config", s.handleConfig)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	// Persist latest readings every 30 seconds
	persist := time.NewTicker(30 * time.Second)
	go func() {
		defer persist.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-persist.C:
				s.saveState()
			}
		}
	}()

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.saveState()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HandleReading pushes r to every connected client.
func (s *Server) HandleReading(r wmr.Reading) {
	s.broadcast(Frame{Reading: &r, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Queue the snapshot before the client becomes visible to broadcast,
	// so it always arrives first.
	first := Frame{Snapshot: s.store.Snapshot(), Stamp: time.Now().UnixMilli()}
	if cfg, err := s.cfg.ToJSON(); err == nil {
		first.Config = cfg
	}
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info("ws client connected", zap.Int("clients", n))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.send)
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("ws client disconnected", zap.Int("clients", n))
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

// handleLatest returns the stored readings. ?kind= narrows to one kind and
// ?sensor= to one temperature sensor.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	readings := s.store.Snapshot()
	if name := r.URL.Query().Get("kind"); name != "" {
		var kind wmr.Kind
		if err := kind.UnmarshalText([]byte(name)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sensor := -1
		if v := r.URL.Query().Get("sensor"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "bad sensor id", http.StatusBadRequest)
				return
			}
			sensor = n
		}
		readings = filterReadings(readings, kind, sensor)
		if len(readings) == 0 {
			http.Error(w, "no reading yet", http.StatusNotFound)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(readings)
}

func filterReadings(in []wmr.Reading, kind wmr.Kind, sensor int) []wmr.Reading {
	out := make([]wmr.Reading, 0, len(in))
	for _, r := range in {
		if r.Kind != kind {
			continue
		}
		if sensor >= 0 && (r.Temp == nil || r.Temp.SensorID != sensor) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		if s.recorder != nil {
			s.recorder.SetEnabled(s.cfg.RecorderEnabled())
		}
		// Broadcast updated config
		if data, err := s.cfg.ToJSON(); err == nil {
			s.broadcast(Frame{Config: data, Stamp: time.Now().UnixMilli()})
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// loadState seeds the store with the readings saved by the last run.
// Live readings replace them as soon as they are newer.
func (s *Server) loadState() {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		s.log.Info("no saved state", zap.String("path", s.statePath))
		return
	}
	var readings []wmr.Reading
	if err := json.Unmarshal(data, &readings); err != nil {
		s.log.Warn("cannot parse saved state", zap.String("path", s.statePath), zap.Error(err))
		return
	}
	for _, r := range readings {
		s.store.Update(r)
	}
	s.log.Info("loaded state", zap.Int("readings", len(readings)))
}

// saveState persists the latest weather readings to disk.
func (s *Server) saveState() {
	var readings []wmr.Reading
	for _, r := range s.store.Snapshot() {
		if r.Kind != wmr.KindMeta {
			readings = append(readings, r)
		}
	}
	data, err := json.Marshal(readings)
	if err != nil {
		return
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	os.MkdirAll(filepath.Dir(s.statePath), 0755)

	// Write then rename so a reader never sees a partial file
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.log.Warn("state save failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		s.log.Warn("state save failed", zap.Error(err))
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
