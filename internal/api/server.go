// Package api exposes the session engine's outer-layer surface (§6) over
// HTTP: connect/close/list/pair/get_stats as a small REST API, plus the
// registry's event stream over a websocket, grounded on the pack's own
// mux-router-plus-websocket-upgrader split (dtn7-dtn7-gold's RestAgent and
// WebSocketAgent) rather than anything the teacher daemon did — the
// teacher shipped no HTTP surface at all, since every outer caller was its
// own CLI process talking over local files.
package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"aetherlink/internal/session"
)

// Server is the daemon's local control surface over one session.Engine.
type Server struct {
	router   *mux.Router
	engine   *session.Engine
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewServer builds the router and binds every handler.
func NewServer(engine *session.Engine, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		router:   mux.NewRouter(),
		engine:   engine,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.router.HandleFunc("/v1/sessions", s.handleConnect).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/sessions", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/sessions/{id}", s.handleClose).Methods(http.MethodDelete)
	s.router.HandleFunc("/v1/sessions/{id}", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/pair", s.handlePair).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)
	return s
}

// Handler returns the server's http.Handler for binding to a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

type connectRequest struct {
	DeviceCode string `json:"device_code"`
}

type connectResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceCode == "" {
		writeError(w, http.StatusBadRequest, "missing device_code")
		return
	}
	id, err := s.engine.Connect(req.DeviceCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{SessionID: id})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Close(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionView is the JSON rendering of a session.Session snapshot, named
// fields only — ActivePath and PendingHandle hold a live transport.Handle
// that isn't meaningfully serializable, so only its path category crosses
// this boundary.
type sessionView struct {
	LocalSessionID string `json:"local_session_id"`
	PeerDeviceCode string `json:"peer_device_code"`
	Role           string `json:"role"`
	State          string `json:"state"`
	FailReason     string `json:"fail_reason,omitempty"`
	PathCategory   string `json:"path_category,omitempty"`
	AttemptCounter int    `json:"attempt_counter"`
	CreatedAt      int64  `json:"created_at_ms"`
}

func toView(s session.Session) sessionView {
	v := sessionView{
		LocalSessionID: s.LocalSessionID,
		PeerDeviceCode: s.PeerDeviceCode,
		Role:           string(s.Role),
		State:          string(s.State),
		FailReason:     string(s.FailReason),
		AttemptCounter: s.AttemptCounter,
		CreatedAt:      s.CreatedAt.UnixMilli(),
	}
	if s.ActivePath != nil {
		v.PathCategory = string(s.ActivePath.Category)
	}
	return v
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.engine.ListSessions()
	out := make([]sessionView, len(sessions))
	for i, sess := range sessions {
		out[i] = toView(sess)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.engine.GetStats(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	writeJSON(w, http.StatusOK, toView(sess))
}

type pairRequest struct {
	DeviceCode   string `json:"device_code"`
	Approved     bool   `json:"approved"`
	PublicKeyHex string `json:"public_key_hex,omitempty"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceCode == "" {
		writeError(w, http.StatusBadRequest, "missing device_code")
		return
	}
	var pub []byte
	if req.PublicKeyHex != "" {
		decoded, err := hex.DecodeString(req.PublicKeyHex)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed public_key_hex")
			return
		}
		pub = decoded
	}
	if err := s.engine.Pair(req.DeviceCode, req.Approved, pub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// eventView is the JSON rendering of a session.Event.
type eventView struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	PeerDeviceCode string `json:"peer_device_code"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	Kind           string `json:"kind,omitempty"`
	Path           string `json:"path,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.engine.Subscribe()
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			v := eventView{
				Type:           string(ev.Type),
				SessionID:      ev.SessionID,
				PeerDeviceCode: ev.PeerDeviceCode,
				From:           string(ev.From),
				To:             string(ev.To),
				Kind:           string(ev.Kind),
				Path:           string(ev.Path),
				Reason:         ev.Reason,
			}
			if err := conn.WriteJSON(v); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
