package engine

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"taskmarket/internal/domain"
)

var contentHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// claimLapsed reports whether the exclusivity window of a claim has ended.
func claimLapsed(t domain.Task, now time.Time) bool {
	if t.ClaimExpiresAt == nil {
		return false
	}
	exp, err := domain.ParseTime(*t.ClaimExpiresAt)
	if err != nil {
		return false
	}
	return !now.Before(exp)
}

// decideClaim is the off-chain pre-check for a claim. It admits available
// tasks and claims whose exclusivity window has lapsed; the registry has
// the final word either way.
func decideClaim(t domain.Task, claimant string, now time.Time) *failure {
	switch t.Status {
	case domain.StatusAvailable:
		return nil
	case domain.StatusClaimed, domain.StatusInProgress:
		if domain.SameAddress(t.Assignee(), claimant) {
			return precondition(CodeAlreadyClaimed, "task is already claimed by this contributor")
		}
		if claimLapsed(t, now) {
			return nil
		}
		return precondition(CodeNotAvailable, fmt.Sprintf("task is %s by another contributor", t.Status))
	default:
		return precondition(CodeNotAvailable, fmt.Sprintf("task is %s", t.Status))
	}
}

// decideSubmission checks that submitter holds the claim and the evidence
// reference is usable.
func decideSubmission(t domain.Task, submitter, evidence string) *failure {
	if t.Status != domain.StatusClaimed && t.Status != domain.StatusInProgress {
		return precondition(CodeInvalidStatus, fmt.Sprintf("task is %s; submissions need claimed or in_progress", t.Status))
	}
	if !domain.SameAddress(t.Assignee(), submitter) {
		return precondition(CodeNotAssignee, "only the assignee can submit evidence")
	}
	if !validEvidence(evidence) {
		return precondition(CodeInvalidInput, "evidence must be an http(s) url or a 0x content hash")
	}
	return nil
}

// decideCompletion checks the task can be finalized.
func decideCompletion(t domain.Task) *failure {
	switch t.Status {
	case domain.StatusSubmitted, domain.StatusValidated:
		return nil
	case domain.StatusCompleted:
		return precondition(CodeInvalidStatus, "task is already completed")
	default:
		return precondition(CodeInvalidStatus, fmt.Sprintf("task is %s; completion needs submitted or validated", t.Status))
	}
}

func validEvidence(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	if contentHashPattern.MatchString(ref) {
		return true
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
