package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"forechain/native/escrow"
)

func (s *Server) mountREST(r chi.Router) {
	r.Get("/projects/{id}", s.restGetProject)
	r.Get("/projects/{id}/transfers", s.restGetTransfers)
	r.Get("/accounts/{address}/projects", s.restUserProjects)
	r.Get("/accounts/{address}/approvals", s.restApprovals)
	r.Get("/disputes", s.restDisputes)
	r.Get("/treasury", s.restTreasury)
}

type restError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRESTError(w http.ResponseWriter, err error) {
	status, _, kind := escrowErrorStatus(err)
	writeJSON(w, status, restError{Error: err.Error(), Kind: kind})
}

func projectIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, restError{Error: "project id must be an unsigned integer", Kind: "invalid_params"})
		return 0, false
	}
	return id, true
}

func (s *Server) restGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	project, err := s.engine.GetProject(id)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatProject(project))
}

func (s *Server) restGetTransfers(w http.ResponseWriter, r *http.Request) {
	id, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	transfers, err := s.engine.Transfers(id)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatTransfers(transfers))
}

func (s *Server) accountProjects(w http.ResponseWriter, r *http.Request, fn func(addr common.Address) ([]*escrow.Project, error)) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, restError{Error: err.Error(), Kind: "invalid_params"})
		return
	}
	projects, err := fn(addr)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatProjects(projects))
}

func (s *Server) restUserProjects(w http.ResponseWriter, r *http.Request) {
	s.accountProjects(w, r, func(addr common.Address) ([]*escrow.Project, error) {
		return s.engine.UserProjects(addr)
	})
}

func (s *Server) restApprovals(w http.ResponseWriter, r *http.Request) {
	s.accountProjects(w, r, func(addr common.Address) ([]*escrow.Project, error) {
		return s.engine.ProjectsForApproval(addr)
	})
}

func (s *Server) restDisputes(w http.ResponseWriter, _ *http.Request) {
	projects, err := s.engine.DisputedProjects()
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatProjects(projects))
}

func (s *Server) restTreasury(w http.ResponseWriter, _ *http.Request) {
	treasury, err := s.engine.Treasury()
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatTreasury(treasury))
}
