package federation

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexus-chat/nexus/internal/metrics"
	"github.com/nexus-chat/nexus/internal/models"
	"github.com/nexus-chat/nexus/internal/nexuserr"
)

// Server exposes the Federation HTTP surface: the unsigned key/
// well-known discovery endpoints and the signed transaction/event/
// state/join/backfill endpoints. Route handlers themselves stay thin —
// all signature/timestamp verification lives in Ingress, all domain
// logic in Client/Ingress/KeyManager; this file only wires chi paths to
// them.
type Server struct {
	origin  string
	keys    *KeyManager
	keyPair *models.ServerKeyPair
	ingress *Ingress
}

// NewServer builds a Server for the given origin domain, its currently
// active key pair, and the KeyManager/Ingress that back it.
func NewServer(origin string, keys *KeyManager, keyPair *models.ServerKeyPair, ingress *Ingress) *Server {
	return &Server{origin: origin, keys: keys, keyPair: keyPair, ingress: ingress}
}

// Routes mounts the federation HTTP surface onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/.well-known/nexus/server", s.handleWellKnown)
	r.Get("/_nexus/key/v2/server", s.handleKeyDocument)

	r.Route("/_nexus/federation/v1", func(fr chi.Router) {
		fr.Put("/send/{txn_id}", s.handleSendTransaction)
		fr.With(s.ingress.Middleware).Get("/event/{event_id}", s.handleGetEvent)
		fr.With(s.ingress.Middleware).Get("/state/{room_id}", s.handleUnsupported)
		fr.With(s.ingress.Middleware).Get("/make_join/{room_id}/{user_id}", s.handleUnsupported)
		fr.Put("/send_join/{room_id}/{event_id}", s.handleUnsupported)
		fr.With(s.ingress.Middleware).Get("/backfill/{room_id}", s.handleUnsupported)
	})
}

func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"server": s.origin})
}

func (s *Server) handleKeyDocument(w http.ResponseWriter, r *http.Request) {
	doc := s.keys.ToKeyDocument(s.origin, s.keyPair)
	writeJSON(w, http.StatusOK, doc)
}

// handleSendTransaction implements PUT /_nexus/federation/v1/send/{txn_id}.
// The request body is the signing content, so it is decoded before
// VerifyInbound rather than via the generic Middleware.
func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request) {
	var txn models.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeIngressError(w, nexuserr.New(nexuserr.Validation, "malformed transaction body"))
		return
	}

	if err := s.ingress.VerifyInbound(r.Context(), r, txn, txn.OriginServerTS, 0); err != nil {
		metrics.FederationTransactionsTotal.WithLabelValues("rejected").Inc()
		writeIngressError(w, err)
		return
	}
	metrics.FederationTransactionsTotal.WithLabelValues("accepted").Inc()

	s.ingress.ReceiveTransaction(r.Context(), txn)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	pdu, err := s.ingress.GetLocalEvent(r.Context(), eventID)
	if err != nil {
		writeIngressError(w, nexuserr.Wrap(nexuserr.Database, "looking up event", err))
		return
	}
	if pdu == nil {
		writeIngressError(w, nexuserr.New(nexuserr.NotFound, "event not found"))
		return
	}
	writeJSON(w, http.StatusOK, pdu)
}

// handleUnsupported answers the room-state/join/backfill endpoints. On the
// GET endpoints (state, make_join, backfill) the ingress signature/
// timestamp check still runs first (so a caller never confuses "no
// room-state engine" with "not federated with you"); PUT send_join is
// routed without that check and answers any caller the same way. No response body
// can be produced because this module's core does not own room
// membership or state resolution — that is REST/storage-layer
// application logic kept external (see DESIGN.md's federation.go entry).
func (s *Server) handleUnsupported(w http.ResponseWriter, r *http.Request) {
	writeIngressError(w, nexuserr.New(nexuserr.Unsupported,
		"room state resolution is not implemented by the federation core"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
