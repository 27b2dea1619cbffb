package commsapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"Assembler-Comms/internal/core/network"
	"Assembler-Comms/internal/core/subscriber"
)

// Server exposes pull-style access to topic subscriptions over HTTP. Each
// topic gets one subscription, created on first read.
type Server struct {
	pubsub network.PubSub
	log    *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscriber.SyncSubscription
}

// NewServer returns a Server publishing to and subscribing on ps. A nil log
// discards output.
func NewServer(ps network.PubSub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{pubsub: ps, log: log.Named("commsapi"), subs: make(map[string]*subscriber.SyncSubscription)}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/comms/publish", s.handlePublish)
	mux.HandleFunc("/api/comms/topic/", s.handleTopic)
}

type messageView struct {
	PeerID    string          `json:"peer_id"`
	OriginID  string          `json:"origin_id,omitempty"`
	OriginKey string          `json:"origin_key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.pubsub == nil {
		writeError(w, http.StatusServiceUnavailable, "pubsub unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload required")
		return
	}
	if err := s.pubsub.Publish(req.Topic, req.Payload); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	if s.pubsub == nil {
		writeError(w, http.StatusServiceUnavailable, "pubsub unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/comms/topic/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "topic missing")
		return
	}
	topic := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "messages" && r.Method == http.MethodGet:
		s.handleMessages(w, topic)
	case action == "" && r.Method == http.MethodDelete:
		s.mu.Lock()
		sub, ok := s.subs[topic]
		delete(s.subs, topic)
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "not subscribed")
			return
		}
		_ = sub.Close()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, topic string) {
	batch, err := s.receive(topic)
	switch {
	case errors.Is(err, subscriber.ErrSubscriptionStreamEnded):
		writeError(w, http.StatusGone, err.Error())
		return
	case errors.Is(err, subscriber.ErrMessage):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := make([]messageView, 0, len(batch))
	for _, m := range batch {
		out = append(out, viewOf(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "messages": out})
}

// receive drains the topic's subscription. The server lock serialises
// drains so concurrent requests never race for the same source.
func (s *Server) receive(topic string) ([]subscriber.Received[json.RawMessage], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[topic]
	if !ok {
		var err error
		sub, err = subscriber.Subscribe(s.pubsub, topic, subscriber.WithLogger(s.log))
		if err != nil {
			return nil, err
		}
		s.subs[topic] = sub
	}
	return subscriber.ReceiveMessages[json.RawMessage](sub)
}

// Close releases every subscription held by the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for topic, sub := range s.subs {
		err = multierr.Append(err, sub.Close())
		delete(s.subs, topic)
	}
	return err
}

func viewOf(m subscriber.Received[json.RawMessage]) messageView {
	v := messageView{PeerID: m.Info.PeerSource.ID.String(), Payload: m.Value}
	if m.Info.OriginSource != nil {
		if id, err := peer.IDFromPublicKey(m.Info.OriginSource); err == nil {
			v.OriginID = id.String()
		}
		if raw, err := crypto.MarshalPublicKey(m.Info.OriginSource); err == nil {
			v.OriginKey = base64.StdEncoding.EncodeToString(raw)
		}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
