package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/foreman/pkg/supervision"
)

// ResolveRequest is the body of POST /api/v1/supervision/resolve.
type ResolveRequest struct {
	Action supervision.Action `json:"action"`
	NodeID supervision.NodeID `json:"nodeId"`
	Reason string             `json:"reason"`
}

func (s *Server) supervisorOr404(w http.ResponseWriter) *supervision.Supervisor {
	if s.deps.Supervisor == nil {
		WriteNotFound(w, "supervision graph is not configured")
	}
	return s.deps.Supervisor
}

func (s *Server) handleSupervisionValidate(w http.ResponseWriter, r *http.Request) {
	sup := s.supervisorOr404(w)
	if sup == nil {
		return
	}
	var action supervision.Action
	if err := decodeBody(w, r, schemaAction, &action); err != nil {
		writeBodyError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sup.Validate(r.Context(), action))
}

func (s *Server) handleSupervisionResolve(w http.ResponseWriter, r *http.Request) {
	sup := s.supervisorOr404(w)
	if sup == nil {
		return
	}
	var body ResolveRequest
	if err := decodeBody(w, r, schemaResolve, &body); err != nil {
		writeBodyError(w, err)
		return
	}
	res, err := sup.ResolveEscalation(r.Context(), body.Action, body.NodeID, s.actor(r), body.Reason)
	if err != nil {
		if errors.Is(err, supervision.ErrInvalidResolution) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSupervisionStats(w http.ResponseWriter, r *http.Request) {
	sup := s.supervisorOr404(w)
	if sup == nil {
		return
	}
	n := 20
	if v := r.URL.Query().Get("recent"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			WriteBadRequest(w, "recent must be a non-negative integer")
			return
		}
		n = parsed
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"stats":  sup.Log().Stats(),
		"recent": sup.Log().Recent(n),
	})
}

func (s *Server) handleSupervisionGraph(w http.ResponseWriter, _ *http.Request) {
	sup := s.supervisorOr404(w)
	if sup == nil {
		return
	}
	WriteJSON(w, http.StatusOK, sup.Graph().Summary())
}
