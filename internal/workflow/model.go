// Package workflow coordinates the task authorisation lifecycle:
// request-for-task-proposal intake, proposal review, and task execution,
// with an auditable event history on every mutation.
package workflow

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskDraft      TaskStatus = "draft"
	TaskProposed   TaskStatus = "proposed"
	TaskAccepted   TaskStatus = "accepted"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskTerminated TaskStatus = "terminated"
	TaskRejected   TaskStatus = "rejected"
)

// IsTerminal reports whether no further transitions are legal.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskTerminated, TaskRejected:
		return true
	}
	return false
}

// taskTransitions is the legal task state diagram.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskProposed:   {TaskAccepted, TaskRejected, TaskCancelled},
	TaskAccepted:   {TaskInProgress, TaskCancelled, TaskTerminated},
	TaskInProgress: {TaskCompleted, TaskTerminated},
}

func legalTaskTransition(from, to TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RFTPStatus is the lifecycle state of a request-for-task-proposal.
type RFTPStatus string

const (
	RFTPDraft       RFTPStatus = "draft"
	RFTPSubmitted   RFTPStatus = "submitted"
	RFTPUnderReview RFTPStatus = "under_review"
	RFTPApproved    RFTPStatus = "approved"
	RFTPRejected    RFTPStatus = "rejected"
)

// rftpTransitions is linear with a terminal fork.
var rftpTransitions = map[RFTPStatus][]RFTPStatus{
	RFTPDraft:       {RFTPSubmitted},
	RFTPSubmitted:   {RFTPUnderReview, RFTPRejected},
	RFTPUnderReview: {RFTPApproved, RFTPRejected},
}

func legalRFTPTransition(from, to RFTPStatus) bool {
	for _, allowed := range rftpTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// HistoryEntry is one append-only audit record on a task or RFTP.
type HistoryEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Event     string                 `json:"event"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RFTP is the intake document of the workflow.
type RFTP struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Type           string         `json:"type"`
	Jurisdiction   string         `json:"jurisdiction,omitempty"`
	EstimatedHours float64        `json:"estimated_hours"`
	BudgetCeiling  float64        `json:"budget_ceiling"`
	Requester      string         `json:"requester"`
	Tenant         string         `json:"tenant"`
	Priority       string         `json:"priority,omitempty"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	Status         RFTPStatus     `json:"status"`
	History        []HistoryEntry `json:"history"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Proposal answers an RFTP; acceptance creates the task.
type Proposal struct {
	ID                string    `json:"id"`
	RFTPID            string    `json:"rftp_id"`
	Proposer          string    `json:"proposer"`
	ProposedHours     float64   `json:"proposed_hours"`
	ProposedBudget    float64   `json:"proposed_budget"`
	Deliverables      []string  `json:"deliverables,omitempty"`
	Timeline          string    `json:"timeline,omitempty"`
	TechnicalApproach string    `json:"technical_approach,omitempty"`
	Assumptions       []string  `json:"assumptions,omitempty"`
	Risks             []string  `json:"risks,omitempty"`
	Accepted          bool      `json:"accepted"`
	CreatedAt         time.Time `json:"created_at"`
}

// Task is the executable unit of work.
type Task struct {
	ID              string         `json:"id"`
	RFTPID          string         `json:"rftp_id"`
	ProposalID      string         `json:"proposal_id"`
	Status          TaskStatus     `json:"status"`
	Assignee        string         `json:"assignee,omitempty"`
	ApprovedBudget  float64        `json:"approved_budget"`
	SpentBudget     float64        `json:"spent_budget"`
	ApprovedHours   float64        `json:"approved_hours"`
	SpentHours      float64        `json:"spent_hours"`
	Deliverables    []string       `json:"deliverables,omitempty"`
	Timeline        string         `json:"timeline,omitempty"`
	ProgressPercent float64        `json:"progress_percent"`
	Artifacts       []string       `json:"artifacts,omitempty"`
	WorkflowHistory []HistoryEntry `json:"workflow_history"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// BudgetUtilisation is spent over approved budget, 0 when nothing is
// approved.
func (t *Task) BudgetUtilisation() float64 {
	if t.ApprovedBudget <= 0 {
		return 0
	}
	return t.SpentBudget / t.ApprovedBudget
}

// AtRisk reports whether the task burns budget faster than it finishes.
func (t *Task) AtRisk() bool {
	if t.Status != TaskAccepted && t.Status != TaskInProgress {
		return false
	}
	return t.BudgetUtilisation() > atRiskThreshold
}

const atRiskThreshold = 0.9
