package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/commodix/access-layer/internal/auth"
	"github.com/commodix/access-layer/internal/workflow"
)

func (s *Server) writeWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, r, http.StatusNotFound, CodeValidation, err.Error(), nil)
	case errors.Is(err, workflow.ErrIllegalTransition), errors.Is(err, workflow.ErrValidation):
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	default:
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "workflow operation failed", nil)
	}
}

func (s *Server) handleCreateRFTP(w http.ResponseWriter, r *http.Request) {
	var req workflow.RFTP
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	if req.Requester == "" {
		req.Requester = id.Subject
	}
	req.Tenant = id.Tenant

	created, err := s.workflow.CreateRFTP(&req)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRFTPs(w http.ResponseWriter, r *http.Request) {
	status := workflow.RFTPStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"rftps": s.workflow.ListRFTPs(status)})
}

func (s *Server) handleGetRFTP(w http.ResponseWriter, r *http.Request) {
	rftp, err := s.workflow.GetRFTP(mux.Vars(r)["id"])
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rftp)
}

func (s *Server) handleUpdateRFTP(w http.ResponseWriter, r *http.Request) {
	var patch workflow.RFTP
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return
	}
	updated, err := s.workflow.UpdateRFTP(mux.Vars(r)["id"], &patch)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSubmitRFTP(w http.ResponseWriter, r *http.Request) {
	rftp, err := s.workflow.SubmitRFTP(mux.Vars(r)["id"])
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rftp)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func decodeReason(r *http.Request) string {
	var req reasonRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	return req.Reason
}

func (s *Server) handleRejectRFTP(w http.ResponseWriter, r *http.Request) {
	rftp, err := s.workflow.RejectRFTP(mux.Vars(r)["id"], decodeReason(r))
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rftp)
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req workflow.Proposal
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	if req.Proposer == "" {
		req.Proposer = id.Subject
	}

	created, err := s.workflow.CreateProposal(&req)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	task, err := s.workflow.AcceptProposal(mux.Vars(r)["id"])
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := workflow.TaskStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.workflow.ListTasks(status)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.workflow.GetTask(mux.Vars(r)["id"])
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	task, err := s.workflow.ApproveTask(mux.Vars(r)["id"], id.Subject)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Assignee string `json:"assignee"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if req.Assignee == "" {
		if id, ok := auth.IdentityFrom(r.Context()); ok {
			req.Assignee = id.Subject
		}
	}
	task, err := s.workflow.StartTask(mux.Vars(r)["id"], req.Assignee)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	var upd workflow.ProgressUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return
	}
	task, err := s.workflow.Progress(mux.Vars(r)["id"], upd)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.workflow.CompleteTask(mux.Vars(r)["id"])
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.workflow.CancelTask(mux.Vars(r)["id"], decodeReason(r))
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTerminateTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.workflow.TerminateTask(mux.Vars(r)["id"], decodeReason(r))
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.workflow.RejectTask(mux.Vars(r)["id"], decodeReason(r))
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleWorkflowDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workflow.Snapshot())
}

func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.workflow.Events()})
}
