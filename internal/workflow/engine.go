package workflow

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commodix/access-layer/internal/metrics"
)

var (
	ErrNotFound          = errors.New("workflow record not found")
	ErrIllegalTransition = errors.New("illegal workflow transition")
	ErrValidation        = errors.New("workflow validation failed")
)

// eventBufferCapacity bounds the process-wide rolling event buffer that
// feeds the telemetry dashboard.
const eventBufferCapacity = 200

// Event is one workflow event as pushed into the rolling buffer and to
// the event sink.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	TaskID    string                 `json:"task_id,omitempty"`
	RFTPID    string                 `json:"rftp_id,omitempty"`
	Event     string                 `json:"event"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EventSink receives every workflow event, typically to publish it on
// the streaming fabric's task topic. It must not block.
type EventSink func(Event)

// Engine owns every RFTP, proposal, and task. All mutations go through
// its methods; each one appends history and emits a workflow event.
type Engine struct {
	mu        sync.RWMutex
	rftps     map[string]*RFTP
	proposals map[string]*Proposal
	tasks     map[string]*Task

	events    []Event
	eventHead int
	eventLen  int

	sink   EventSink
	m      *metrics.Metrics
	logger *log.Logger
}

// NewEngine creates a workflow engine. Sink and metrics may be nil.
func NewEngine(sink EventSink, m *metrics.Metrics) *Engine {
	return &Engine{
		rftps:     make(map[string]*RFTP),
		proposals: make(map[string]*Proposal),
		tasks:     make(map[string]*Task),
		events:    make([]Event, eventBufferCapacity),
		sink:      sink,
		m:         m,
		logger:    log.New(os.Stdout, "[WORKFLOW] ", log.LstdFlags),
	}
}

// emit records an event in the rolling buffer, the metric, and the sink.
// Callers hold e.mu.
func (e *Engine) emit(ev Event) {
	ev.Timestamp = time.Now().UTC()

	idx := (e.eventHead + e.eventLen) % eventBufferCapacity
	e.events[idx] = ev
	if e.eventLen < eventBufferCapacity {
		e.eventLen++
	} else {
		e.eventHead = (e.eventHead + 1) % eventBufferCapacity
	}

	if e.m != nil {
		e.m.WorkflowEvents.WithLabelValues(ev.Event).Inc()
	}
	e.logger.Printf("event=%s task=%s rftp=%s", ev.Event, ev.TaskID, ev.RFTPID)
	if e.sink != nil {
		e.sink(ev)
	}
}

func (e *Engine) setTaskStatus(t *Task, to TaskStatus, event string, metadata map[string]interface{}) {
	if e.m != nil {
		if t.Status != "" {
			e.m.TasksByStatus.WithLabelValues(string(t.Status)).Dec()
		}
		e.m.TasksByStatus.WithLabelValues(string(to)).Inc()
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	t.WorkflowHistory = append(t.WorkflowHistory, HistoryEntry{
		Timestamp: t.UpdatedAt,
		Event:     event,
		Metadata:  metadata,
	})
	e.emit(Event{TaskID: t.ID, RFTPID: t.RFTPID, Event: event, Metadata: metadata})
}

func (e *Engine) setRFTPStatus(r *RFTP, to RFTPStatus, event string, metadata map[string]interface{}) {
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	r.History = append(r.History, HistoryEntry{
		Timestamp: r.UpdatedAt,
		Event:     event,
		Metadata:  metadata,
	})
	e.emit(Event{RFTPID: r.ID, Event: event, Metadata: metadata})
}

// CreateRFTP registers a new intake request in draft.
func (e *Engine) CreateRFTP(r *RFTP) (*RFTP, error) {
	if r.Title == "" || r.Requester == "" {
		return nil, fmt.Errorf("%w: title and requester are required", ErrValidation)
	}
	if r.BudgetCeiling < 0 || r.EstimatedHours < 0 {
		return nil, fmt.Errorf("%w: budget and hours must be non-negative", ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	r.ID = uuid.NewString()
	r.Status = RFTPDraft
	r.CreatedAt = now
	r.UpdatedAt = now
	r.History = []HistoryEntry{{Timestamp: now, Event: "rftp_created"}}
	e.rftps[r.ID] = r

	e.emit(Event{RFTPID: r.ID, Event: "rftp_created", Metadata: map[string]interface{}{"title": r.Title}})
	return cloneRFTP(r), nil
}

// GetRFTP fetches one RFTP.
func (e *Engine) GetRFTP(id string) (*RFTP, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rftps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRFTP(r), nil
}

// ListRFTPs returns RFTPs, newest first, optionally filtered by status.
func (e *Engine) ListRFTPs(status RFTPStatus) []*RFTP {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*RFTP, 0, len(e.rftps))
	for _, r := range e.rftps {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneRFTP(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// UpdateRFTP edits a draft RFTP's mutable fields.
func (e *Engine) UpdateRFTP(id string, patch *RFTP) (*RFTP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rftps[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != RFTPDraft {
		return nil, fmt.Errorf("%w: only draft requests are editable, status is %s", ErrIllegalTransition, r.Status)
	}

	if patch.Title != "" {
		r.Title = patch.Title
	}
	if patch.Type != "" {
		r.Type = patch.Type
	}
	if patch.Jurisdiction != "" {
		r.Jurisdiction = patch.Jurisdiction
	}
	if patch.EstimatedHours > 0 {
		r.EstimatedHours = patch.EstimatedHours
	}
	if patch.BudgetCeiling > 0 {
		r.BudgetCeiling = patch.BudgetCeiling
	}
	if patch.Priority != "" {
		r.Priority = patch.Priority
	}
	if patch.DueDate != nil {
		r.DueDate = patch.DueDate
	}
	r.UpdatedAt = time.Now().UTC()
	r.History = append(r.History, HistoryEntry{Timestamp: r.UpdatedAt, Event: "rftp_updated"})
	return cloneRFTP(r), nil
}

// SubmitRFTP moves a draft into the review pipeline.
func (e *Engine) SubmitRFTP(id string) (*RFTP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rftps[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !legalRFTPTransition(r.Status, RFTPSubmitted) {
		return nil, fmt.Errorf("%w: rftp %s -> %s", ErrIllegalTransition, r.Status, RFTPSubmitted)
	}
	e.setRFTPStatus(r, RFTPSubmitted, "rftp_submitted", nil)
	return cloneRFTP(r), nil
}

// RejectRFTP rejects a submitted or under-review request.
func (e *Engine) RejectRFTP(id, reason string) (*RFTP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rftps[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !legalRFTPTransition(r.Status, RFTPRejected) {
		return nil, fmt.Errorf("%w: rftp %s -> %s", ErrIllegalTransition, r.Status, RFTPRejected)
	}
	e.setRFTPStatus(r, RFTPRejected, "rftp_rejected", map[string]interface{}{"reason": reason})
	return cloneRFTP(r), nil
}

// CreateProposal answers a submitted RFTP and moves it under review.
func (e *Engine) CreateProposal(p *Proposal) (*Proposal, error) {
	if p.ProposedBudget <= 0 || p.ProposedHours <= 0 {
		return nil, fmt.Errorf("%w: proposed budget and hours must be positive", ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rftps[p.RFTPID]
	if !ok {
		return nil, fmt.Errorf("%w: rftp %s", ErrNotFound, p.RFTPID)
	}
	if r.Status != RFTPSubmitted && r.Status != RFTPUnderReview {
		return nil, fmt.Errorf("%w: rftp %s does not accept proposals in %s", ErrIllegalTransition, r.ID, r.Status)
	}
	if r.BudgetCeiling > 0 && p.ProposedBudget > r.BudgetCeiling {
		return nil, fmt.Errorf("%w: proposed budget %.2f exceeds ceiling %.2f", ErrValidation, p.ProposedBudget, r.BudgetCeiling)
	}

	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC()
	e.proposals[p.ID] = p

	if r.Status == RFTPSubmitted {
		e.setRFTPStatus(r, RFTPUnderReview, "rftp_under_review", map[string]interface{}{"proposal_id": p.ID})
	}
	e.emit(Event{RFTPID: r.ID, Event: "proposal_created", Metadata: map[string]interface{}{
		"proposal_id": p.ID, "proposed_budget": p.ProposedBudget,
	}})
	return cloneProposal(p), nil
}

// GetProposal fetches one proposal.
func (e *Engine) GetProposal(id string) (*Proposal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProposal(p), nil
}

// AcceptProposal accepts a proposal and creates its task in proposed.
func (e *Engine) AcceptProposal(id string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Accepted {
		return nil, fmt.Errorf("%w: proposal %s already accepted", ErrIllegalTransition, id)
	}
	r, ok := e.rftps[p.RFTPID]
	if !ok {
		return nil, fmt.Errorf("%w: rftp %s", ErrNotFound, p.RFTPID)
	}
	if r.Status != RFTPUnderReview {
		return nil, fmt.Errorf("%w: rftp %s is %s, not under review", ErrIllegalTransition, r.ID, r.Status)
	}

	p.Accepted = true
	now := time.Now().UTC()
	t := &Task{
		ID:             uuid.NewString(),
		RFTPID:         p.RFTPID,
		ProposalID:     p.ID,
		ApprovedBudget: p.ProposedBudget,
		ApprovedHours:  p.ProposedHours,
		Deliverables:   append([]string(nil), p.Deliverables...),
		Timeline:       p.Timeline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.tasks[t.ID] = t
	t.WorkflowHistory = append(t.WorkflowHistory, HistoryEntry{
		Timestamp: now,
		Event:     "task_created",
		Metadata:  map[string]interface{}{"proposal_id": p.ID, "rftp_id": p.RFTPID},
	})
	e.emit(Event{TaskID: t.ID, RFTPID: t.RFTPID, Event: "task_created", Metadata: map[string]interface{}{"proposal_id": p.ID}})
	e.setTaskStatus(t, TaskProposed, "task_status_proposed", nil)
	return cloneTask(t), nil
}

// GetTask fetches one task.
func (e *Engine) GetTask(id string) (*Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

// ListTasks returns tasks, newest first, optionally filtered by status.
func (e *Engine) ListTasks(status TaskStatus) []*Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ApproveTask moves a proposed task to accepted; the owning RFTP moves
// to approved.
func (e *Engine) ApproveTask(id, approver string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !legalTaskTransition(t.Status, TaskAccepted) {
		return nil, fmt.Errorf("%w: task %s -> %s", ErrIllegalTransition, t.Status, TaskAccepted)
	}
	e.setTaskStatus(t, TaskAccepted, "task_status_accepted", map[string]interface{}{"approver": approver})

	if r, ok := e.rftps[t.RFTPID]; ok && legalRFTPTransition(r.Status, RFTPApproved) {
		e.setRFTPStatus(r, RFTPApproved, "rftp_approved", map[string]interface{}{"task_id": t.ID})
	}
	return cloneTask(t), nil
}

// StartTask moves an accepted task into execution; an assignee is
// required.
func (e *Engine) StartTask(id, assignee string) (*Task, error) {
	if assignee == "" {
		return nil, fmt.Errorf("%w: assignee is required to start a task", ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !legalTaskTransition(t.Status, TaskInProgress) {
		return nil, fmt.Errorf("%w: task %s -> %s", ErrIllegalTransition, t.Status, TaskInProgress)
	}
	t.Assignee = assignee
	e.setTaskStatus(t, TaskInProgress, "task_status_in_progress", map[string]interface{}{"assignee": assignee})
	return cloneTask(t), nil
}

// ProgressUpdate carries one execution update.
type ProgressUpdate struct {
	ProgressPercent *float64 `json:"progress_percent,omitempty"`
	SpentBudget     *float64 `json:"spent_budget,omitempty"`
	SpentHours      *float64 `json:"spent_hours,omitempty"`
	Artifacts       []string `json:"artifacts,omitempty"`
	Note            string   `json:"note,omitempty"`
}

// Progress records an execution update on an in-progress task. Crossing
// the at-risk budget threshold raises a task_budget_alert event.
func (e *Engine) Progress(id string, upd ProgressUpdate) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != TaskInProgress {
		return nil, fmt.Errorf("%w: progress updates require in_progress, task is %s", ErrIllegalTransition, t.Status)
	}

	wasAtRisk := t.AtRisk()
	if upd.ProgressPercent != nil {
		if *upd.ProgressPercent < 0 || *upd.ProgressPercent > 100 {
			return nil, fmt.Errorf("%w: progress_percent out of range", ErrValidation)
		}
		t.ProgressPercent = *upd.ProgressPercent
	}
	if upd.SpentBudget != nil {
		if *upd.SpentBudget < 0 {
			return nil, fmt.Errorf("%w: spent_budget must be non-negative", ErrValidation)
		}
		t.SpentBudget = *upd.SpentBudget
	}
	if upd.SpentHours != nil {
		t.SpentHours = *upd.SpentHours
	}
	if len(upd.Artifacts) > 0 {
		t.Artifacts = append(t.Artifacts, upd.Artifacts...)
	}

	t.UpdatedAt = time.Now().UTC()
	meta := map[string]interface{}{
		"progress_percent": t.ProgressPercent,
		"spent_budget":     t.SpentBudget,
	}
	if upd.Note != "" {
		meta["note"] = upd.Note
	}
	t.WorkflowHistory = append(t.WorkflowHistory, HistoryEntry{Timestamp: t.UpdatedAt, Event: "task_progress_updated", Metadata: meta})
	e.emit(Event{TaskID: t.ID, RFTPID: t.RFTPID, Event: "task_progress_updated", Metadata: meta})

	if !wasAtRisk && t.AtRisk() {
		alert := map[string]interface{}{
			"budget_utilisation": t.BudgetUtilisation(),
			"approved_budget":    t.ApprovedBudget,
			"spent_budget":       t.SpentBudget,
		}
		t.WorkflowHistory = append(t.WorkflowHistory, HistoryEntry{Timestamp: time.Now().UTC(), Event: "task_budget_alert", Metadata: alert})
		e.emit(Event{TaskID: t.ID, RFTPID: t.RFTPID, Event: "task_budget_alert", Metadata: alert})
	}
	return cloneTask(t), nil
}

// CompleteTask finishes an in-progress task.
func (e *Engine) CompleteTask(id string) (*Task, error) {
	return e.terminalTransition(id, TaskCompleted, nil)
}

// CancelTask cancels a not-yet-started task.
func (e *Engine) CancelTask(id, reason string) (*Task, error) {
	return e.terminalTransition(id, TaskCancelled, map[string]interface{}{"reason": reason})
}

// TerminateTask aborts a task that already consumed resources.
func (e *Engine) TerminateTask(id, reason string) (*Task, error) {
	return e.terminalTransition(id, TaskTerminated, map[string]interface{}{"reason": reason})
}

// RejectTask rejects a proposed task.
func (e *Engine) RejectTask(id, reason string) (*Task, error) {
	return e.terminalTransition(id, TaskRejected, map[string]interface{}{"reason": reason})
}

func (e *Engine) terminalTransition(id string, to TaskStatus, metadata map[string]interface{}) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !legalTaskTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: task %s -> %s", ErrIllegalTransition, t.Status, to)
	}
	if to == TaskCompleted {
		t.ProgressPercent = 100
		t.WorkflowHistory = append(t.WorkflowHistory, HistoryEntry{Timestamp: time.Now().UTC(), Event: "task_completed"})
		e.emit(Event{TaskID: t.ID, RFTPID: t.RFTPID, Event: "task_completed"})
	}
	e.setTaskStatus(t, to, "task_status_"+string(to), metadata)
	return cloneTask(t), nil
}

// Events returns the rolling event buffer, oldest first.
func (e *Engine) Events() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Event, 0, e.eventLen)
	for i := 0; i < e.eventLen; i++ {
		out = append(out, e.events[(e.eventHead+i)%eventBufferCapacity])
	}
	return out
}

func cloneRFTP(r *RFTP) *RFTP {
	cp := *r
	cp.History = append([]HistoryEntry(nil), r.History...)
	return &cp
}

func cloneProposal(p *Proposal) *Proposal {
	cp := *p
	cp.Deliverables = append([]string(nil), p.Deliverables...)
	cp.Assumptions = append([]string(nil), p.Assumptions...)
	cp.Risks = append([]string(nil), p.Risks...)
	return &cp
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.Deliverables = append([]string(nil), t.Deliverables...)
	cp.Artifacts = append([]string(nil), t.Artifacts...)
	cp.WorkflowHistory = append([]HistoryEntry(nil), t.WorkflowHistory...)
	return &cp
}
