// -----------------------------------------------------------------------
// Approvals - Pending human-in-the-loop approval handles keyed by run+step
// -----------------------------------------------------------------------

package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/conductor/internal/models"
)

// approvalOutcome is the resolution delivered to a blocked approval step
type approvalOutcome struct {
	approved bool
	reason   string
}

// pendingApproval is one open approval handle. The executing step goroutine
// blocks on done; SubmitApproval and cancellation resolve it.
type pendingApproval struct {
	runID        string
	stepID       string
	approvers    []string
	minApprovals int
	message      string
	createdAt    time.Time

	mu        sync.Mutex
	approvals []models.StepApproval
	resolved  bool
	done      chan approvalOutcome
}

// PendingApprovalInfo is the read-only listing shape of an open approval
type PendingApprovalInfo struct {
	RunID        string                `json:"runId"`
	StepID       string                `json:"stepId"`
	Approvers    []string              `json:"approvers"`
	MinApprovals int                   `json:"minApprovals"`
	Message      string                `json:"message,omitempty"`
	Approvals    []models.StepApproval `json:"approvals"`
	CreatedAt    time.Time             `json:"createdAt"`
}

// approvalRegistry tracks open approval handles across runs
type approvalRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

func newApprovalRegistry() *approvalRegistry {
	return &approvalRegistry{pending: make(map[string]*pendingApproval)}
}

func approvalKey(runID, stepID string) string {
	return runID + "/" + stepID
}

// create registers a new handle; the caller owns removing it when done
func (r *approvalRegistry) create(runID, stepID string, cfg *models.ApprovalConfig) *pendingApproval {
	minApprovals := cfg.MinApprovals
	if minApprovals <= 0 {
		minApprovals = 1
	}
	p := &pendingApproval{
		runID:        runID,
		stepID:       stepID,
		approvers:    cfg.Approvers,
		minApprovals: minApprovals,
		message:      cfg.Message,
		createdAt:    time.Now(),
		done:         make(chan approvalOutcome, 1),
	}

	r.mu.Lock()
	r.pending[approvalKey(runID, stepID)] = p
	r.mu.Unlock()
	return p
}

func (r *approvalRegistry) remove(runID, stepID string) {
	r.mu.Lock()
	delete(r.pending, approvalKey(runID, stepID))
	r.mu.Unlock()
}

// submit records one decision against an open handle. A rejection resolves
// immediately; approvals resolve once minApprovals is reached.
func (r *approvalRegistry) submit(runID, stepID string, approval models.StepApproval) error {
	r.mu.Lock()
	p, ok := r.pending[approvalKey(runID, stepID)]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for run %s step %s", runID, stepID)
	}

	if len(p.approvers) > 0 {
		allowed := false
		for _, a := range p.approvers {
			if a == approval.UserID {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("user %s is not an approver for step %s", approval.UserID, stepID)
		}
	}

	decision := strings.ToLower(approval.Decision)
	if decision != "approve" && decision != "approved" && decision != "reject" && decision != "rejected" {
		return fmt.Errorf("invalid decision %q: must be approve or reject", approval.Decision)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return fmt.Errorf("approval for run %s step %s is already resolved", runID, stepID)
	}
	p.approvals = append(p.approvals, approval)

	if decision == "reject" || decision == "rejected" {
		p.resolved = true
		p.done <- approvalOutcome{approved: false, reason: "rejected by " + approval.UserID}
		return nil
	}

	approvedCount := 0
	for _, a := range p.approvals {
		if d := strings.ToLower(a.Decision); d == "approve" || d == "approved" {
			approvedCount++
		}
	}
	if approvedCount >= p.minApprovals {
		p.resolved = true
		p.done <- approvalOutcome{approved: true}
	}
	return nil
}

// resolve settles a handle from the engine side (timeout or cancellation)
func (p *pendingApproval) resolve(outcome approvalOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.resolved = true
	p.done <- outcome
}

// decisions returns a snapshot of the recorded approvals
func (p *pendingApproval) decisions() []models.StepApproval {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.StepApproval, len(p.approvals))
	copy(out, p.approvals)
	return out
}

// rejectForRun rejects every open handle of a run
func (r *approvalRegistry) rejectForRun(runID, reason string) {
	r.mu.Lock()
	var handles []*pendingApproval
	for _, p := range r.pending {
		if p.runID == runID {
			handles = append(handles, p)
		}
	}
	r.mu.Unlock()

	for _, p := range handles {
		p.resolve(approvalOutcome{approved: false, reason: reason})
	}
}

// list returns the open approvals, optionally filtered by run id
func (r *approvalRegistry) list(runID string) []*PendingApprovalInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*PendingApprovalInfo
	for _, p := range r.pending {
		if runID != "" && p.runID != runID {
			continue
		}
		out = append(out, &PendingApprovalInfo{
			RunID:        p.runID,
			StepID:       p.stepID,
			Approvers:    p.approvers,
			MinApprovals: p.minApprovals,
			Message:      p.message,
			Approvals:    p.decisions(),
			CreatedAt:    p.createdAt,
		})
	}
	return out
}
