package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRFTP() *RFTP {
	return &RFTP{
		Title:          "Q3 gas curve recalibration",
		Type:           "analysis",
		Jurisdiction:   "DE",
		EstimatedHours: 40,
		BudgetCeiling:  10000,
		Requester:      "alice",
		Tenant:         "acme",
		Priority:       "high",
	}
}

// drives RFTP → proposal → task(proposed) and returns the task.
func proposedTask(t *testing.T, e *Engine) *Task {
	t.Helper()
	r, err := e.CreateRFTP(newRFTP())
	require.NoError(t, err)
	_, err = e.SubmitRFTP(r.ID)
	require.NoError(t, err)
	p, err := e.CreateProposal(&Proposal{
		RFTPID:         r.ID,
		Proposer:       "bob",
		ProposedHours:  35,
		ProposedBudget: 8000,
		Deliverables:   []string{"recalibrated curves"},
	})
	require.NoError(t, err)
	task, err := e.AcceptProposal(p.ID)
	require.NoError(t, err)
	return task
}

func TestRFTPLifecycle(t *testing.T) {
	e := NewEngine(nil, nil)

	r, err := e.CreateRFTP(newRFTP())
	require.NoError(t, err)
	assert.Equal(t, RFTPDraft, r.Status)

	r, err = e.SubmitRFTP(r.ID)
	require.NoError(t, err)
	assert.Equal(t, RFTPSubmitted, r.Status)

	// Draft-only edits are refused after submission.
	_, err = e.UpdateRFTP(r.ID, &RFTP{Title: "new title"})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// Double submit is illegal.
	_, err = e.SubmitRFTP(r.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCreateRFTPValidation(t *testing.T) {
	e := NewEngine(nil, nil)
	_, err := e.CreateRFTP(&RFTP{Requester: "alice"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = e.CreateRFTP(&RFTP{Title: "x", Requester: "alice", BudgetCeiling: -1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProposalMovesRFTPUnderReview(t *testing.T) {
	e := NewEngine(nil, nil)
	r, err := e.CreateRFTP(newRFTP())
	require.NoError(t, err)
	_, err = e.SubmitRFTP(r.ID)
	require.NoError(t, err)

	_, err = e.CreateProposal(&Proposal{RFTPID: r.ID, ProposedHours: 10, ProposedBudget: 5000})
	require.NoError(t, err)

	r, err = e.GetRFTP(r.ID)
	require.NoError(t, err)
	assert.Equal(t, RFTPUnderReview, r.Status)
}

func TestProposalRejectedOverCeiling(t *testing.T) {
	e := NewEngine(nil, nil)
	r, err := e.CreateRFTP(newRFTP())
	require.NoError(t, err)
	_, err = e.SubmitRFTP(r.ID)
	require.NoError(t, err)

	_, err = e.CreateProposal(&Proposal{RFTPID: r.ID, ProposedHours: 10, ProposedBudget: 10001})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProposalAgainstDraftRefused(t *testing.T) {
	e := NewEngine(nil, nil)
	r, err := e.CreateRFTP(newRFTP())
	require.NoError(t, err)

	_, err = e.CreateProposal(&Proposal{RFTPID: r.ID, ProposedHours: 10, ProposedBudget: 5000})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTaskFullLifecycle(t *testing.T) {
	e := NewEngine(nil, nil)
	task := proposedTask(t, e)
	assert.Equal(t, TaskProposed, task.Status)
	assert.Equal(t, 8000.0, task.ApprovedBudget)

	task, err := e.ApproveTask(task.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, TaskAccepted, task.Status)

	// Task approval promotes the RFTP.
	r, err := e.GetRFTP(task.RFTPID)
	require.NoError(t, err)
	assert.Equal(t, RFTPApproved, r.Status)

	// Start requires an assignee.
	_, err = e.StartTask(task.ID, "")
	assert.ErrorIs(t, err, ErrValidation)

	task, err = e.StartTask(task.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, task.Status)
	assert.Equal(t, "dave", task.Assignee)

	pct, spent := 50.0, 3000.0
	task, err = e.Progress(task.ID, ProgressUpdate{ProgressPercent: &pct, SpentBudget: &spent})
	require.NoError(t, err)
	assert.Equal(t, 50.0, task.ProgressPercent)

	task, err = e.CompleteTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, 100.0, task.ProgressPercent)

	// History timestamps are non-decreasing and every status change
	// left an entry.
	events := []string{}
	for i, h := range task.WorkflowHistory {
		events = append(events, h.Event)
		if i > 0 {
			assert.False(t, h.Timestamp.Before(task.WorkflowHistory[i-1].Timestamp))
		}
	}
	assert.Equal(t, []string{
		"task_created",
		"task_status_proposed",
		"task_status_accepted",
		"task_status_in_progress",
		"task_progress_updated",
		"task_completed",
		"task_status_completed",
	}, events)
}

func TestIllegalTransitionsDoNotMutate(t *testing.T) {
	e := NewEngine(nil, nil)
	task := proposedTask(t, e)

	// proposed cannot start, complete, or terminate.
	for name, op := range map[string]func() error{
		"start":     func() error { _, err := e.StartTask(task.ID, "dave"); return err },
		"complete":  func() error { _, err := e.CompleteTask(task.ID); return err },
		"terminate": func() error { _, err := e.TerminateTask(task.ID, "x"); return err },
	} {
		err := op()
		assert.ErrorIs(t, err, ErrIllegalTransition, name)
	}

	got, err := e.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskProposed, got.Status)
	assert.Len(t, got.WorkflowHistory, 2, "failed transitions must not append history")
}

func TestRejectCancelTerminateBranches(t *testing.T) {
	e := NewEngine(nil, nil)

	rejected := proposedTask(t, e)
	_, err := e.RejectTask(rejected.ID, "out of scope")
	require.NoError(t, err)

	cancelled := proposedTask(t, e)
	_, err = e.ApproveTask(cancelled.ID, "carol")
	require.NoError(t, err)
	_, err = e.CancelTask(cancelled.ID, "requester withdrew")
	require.NoError(t, err)

	terminated := proposedTask(t, e)
	_, err = e.ApproveTask(terminated.ID, "carol")
	require.NoError(t, err)
	_, err = e.StartTask(terminated.ID, "dave")
	require.NoError(t, err)
	_, err = e.TerminateTask(terminated.ID, "budget exhausted")
	require.NoError(t, err)

	// Terminal states accept nothing further.
	_, err = e.ApproveTask(rejected.ID, "carol")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = e.CompleteTask(terminated.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestBudgetAlertEmittedOnceOnThresholdCross(t *testing.T) {
	var events []Event
	e := NewEngine(func(ev Event) { events = append(events, ev) }, nil)

	task := proposedTask(t, e)
	_, err := e.ApproveTask(task.ID, "carol")
	require.NoError(t, err)
	_, err = e.StartTask(task.ID, "dave")
	require.NoError(t, err)

	spend := func(v float64) {
		t.Helper()
		_, err := e.Progress(task.ID, ProgressUpdate{SpentBudget: &v})
		require.NoError(t, err)
	}

	spend(7000) // 87.5%, under threshold
	spend(7300) // 91.25%, crosses
	spend(7400) // still over, no second alert

	alerts := 0
	for _, ev := range events {
		if ev.Event == "task_budget_alert" {
			alerts++
			assert.Equal(t, task.ID, ev.TaskID)
			assert.Greater(t, ev.Metadata["budget_utilisation"].(float64), 0.9)
		}
	}
	assert.Equal(t, 1, alerts)
}

func TestEventBufferRollsOver(t *testing.T) {
	e := NewEngine(nil, nil)

	for i := 0; i < 120; i++ {
		_, err := e.CreateRFTP(&RFTP{Title: fmt.Sprintf("req %d", i), Requester: "alice"})
		require.NoError(t, err)
	}
	events := e.Events()
	require.Len(t, events, 120)

	for i := 0; i < 150; i++ {
		_, err := e.CreateRFTP(&RFTP{Title: fmt.Sprintf("more %d", i), Requester: "alice"})
		require.NoError(t, err)
	}
	events = e.Events()
	require.Len(t, events, eventBufferCapacity, "buffer is capped")

	// Oldest first; the newest entry is the last create.
	assert.Equal(t, "more 149", events[len(events)-1].Metadata["title"])
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestDashboardSnapshot(t *testing.T) {
	e := NewEngine(nil, nil)

	done := proposedTask(t, e)
	_, err := e.ApproveTask(done.ID, "carol")
	require.NoError(t, err)
	_, err = e.StartTask(done.ID, "dave")
	require.NoError(t, err)
	_, err = e.CompleteTask(done.ID)
	require.NoError(t, err)

	risky := proposedTask(t, e)
	_, err = e.ApproveTask(risky.ID, "carol")
	require.NoError(t, err)
	_, err = e.StartTask(risky.ID, "erin")
	require.NoError(t, err)
	spent := 7500.0
	_, err = e.Progress(risky.ID, ProgressUpdate{SpentBudget: &spent})
	require.NoError(t, err)

	d := e.Snapshot()
	assert.Equal(t, 1, d.TasksByStatus[TaskCompleted])
	assert.Equal(t, 1, d.TasksByStatus[TaskInProgress])
	assert.Equal(t, 16000.0, d.TotalApproved)
	assert.Equal(t, 7500.0, d.TotalSpent)

	assert.Equal(t, 2, d.Funnel.RFTPs)
	assert.Equal(t, 2, d.Funnel.Proposals)
	assert.Equal(t, 2, d.Funnel.Accepted, "funnel stages are cumulative")
	assert.Equal(t, 2, d.Funnel.InProgress)
	assert.Equal(t, 1, d.Funnel.Completed)

	require.Len(t, d.AtRiskTasks, 1)
	assert.Equal(t, risky.ID, d.AtRiskTasks[0].ID)

	require.Len(t, d.BudgetByType, 1)
	assert.Equal(t, "analysis", d.BudgetByType[0].Type)
	assert.Equal(t, 2, d.BudgetByType[0].Tasks)
}

func TestAcceptProposalTwiceRefused(t *testing.T) {
	e := NewEngine(nil, nil)
	r, err := e.CreateRFTP(newRFTP())
	require.NoError(t, err)
	_, err = e.SubmitRFTP(r.ID)
	require.NoError(t, err)
	p, err := e.CreateProposal(&Proposal{RFTPID: r.ID, ProposedHours: 10, ProposedBudget: 5000})
	require.NoError(t, err)

	_, err = e.AcceptProposal(p.ID)
	require.NoError(t, err)
	_, err = e.AcceptProposal(p.ID)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}
