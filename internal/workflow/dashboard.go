package workflow

import "sort"

// Funnel counts how far work makes it through the pipeline.
type Funnel struct {
	RFTPs      int `json:"rftps"`
	Proposals  int `json:"proposals"`
	Accepted   int `json:"accepted"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}

// TypeBudget aggregates budget per RFTP type.
type TypeBudget struct {
	Type     string  `json:"type"`
	Approved float64 `json:"approved"`
	Spent    float64 `json:"spent"`
	Tasks    int     `json:"tasks"`
}

// Dashboard is the telemetry snapshot served on the workflow dashboard
// endpoint.
type Dashboard struct {
	TasksByStatus     map[TaskStatus]int `json:"tasks_by_status"`
	RFTPsByStatus     map[RFTPStatus]int `json:"rftps_by_status"`
	TotalApproved     float64            `json:"total_approved_budget"`
	TotalSpent        float64            `json:"total_spent_budget"`
	BudgetUtilisation float64            `json:"budget_utilisation"`
	BudgetByType      []TypeBudget       `json:"budget_by_type"`
	Funnel            Funnel             `json:"funnel"`
	AtRiskTasks       []*Task            `json:"at_risk_tasks"`
	RecentEvents      int                `json:"recent_events"`
}

// Snapshot computes the dashboard from current state.
func (e *Engine) Snapshot() *Dashboard {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d := &Dashboard{
		TasksByStatus: make(map[TaskStatus]int),
		RFTPsByStatus: make(map[RFTPStatus]int),
		AtRiskTasks:   []*Task{},
		RecentEvents:  e.eventLen,
	}

	d.Funnel.RFTPs = len(e.rftps)
	d.Funnel.Proposals = len(e.proposals)
	for _, r := range e.rftps {
		d.RFTPsByStatus[r.Status]++
	}

	byType := map[string]*TypeBudget{}
	for _, t := range e.tasks {
		d.TasksByStatus[t.Status]++
		d.TotalApproved += t.ApprovedBudget
		d.TotalSpent += t.SpentBudget

		switch t.Status {
		case TaskAccepted:
			d.Funnel.Accepted++
		case TaskInProgress:
			d.Funnel.InProgress++
		case TaskCompleted:
			d.Funnel.Completed++
		}

		typ := "unspecified"
		if r, ok := e.rftps[t.RFTPID]; ok && r.Type != "" {
			typ = r.Type
		}
		tb := byType[typ]
		if tb == nil {
			tb = &TypeBudget{Type: typ}
			byType[typ] = tb
		}
		tb.Approved += t.ApprovedBudget
		tb.Spent += t.SpentBudget
		tb.Tasks++

		if t.AtRisk() {
			d.AtRiskTasks = append(d.AtRiskTasks, cloneTask(t))
		}
	}

	// Funnel counts are cumulative: a completed task passed through
	// accepted and in_progress.
	d.Funnel.InProgress += d.Funnel.Completed
	d.Funnel.Accepted += d.Funnel.InProgress

	if d.TotalApproved > 0 {
		d.BudgetUtilisation = d.TotalSpent / d.TotalApproved
	}
	for _, tb := range byType {
		d.BudgetByType = append(d.BudgetByType, *tb)
	}
	sort.Slice(d.BudgetByType, func(i, j int) bool {
		return d.BudgetByType[i].Type < d.BudgetByType[j].Type
	})
	return d
}
