package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/mission"
)

// consecutiveFailureCount counts consecutive Failed executions from the
// start of executions (newest first; the scheduler passes the most recent
// 20), stopping at the first non-Failed one. WhenFailingConsecutively
// compares this count against its threshold.
func consecutiveFailureCount(executions []*mission.AutomationExecution) int {
	n := 0
	for _, e := range executions {
		if e.Status != mission.ExecutionFailed {
			break
		}
		n++
	}
	return n
}

// GitHubChecker makes the two external calls
// WhenAllIssuesClosedAndPRsMerged needs: open issues and open PRs for a
// repo. Defined as an interface so tests don't hit the network.
type GitHubChecker interface {
	HasOpenIssues(ctx context.Context, repo string) (bool, error)
	HasOpenPRs(ctx context.Context, repo string) (bool, error)
}

// HTTPGitHubChecker implements GitHubChecker against the real GitHub REST
// API, bounded by constants.StopPolicyCheckTimeout total across both calls.
type HTTPGitHubChecker struct {
	Client *http.Client
	Token  string
}

func (c HTTPGitHubChecker) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c HTTPGitHubChecker) query(ctx context.Context, repo, kind string) (bool, error) {
	url := fmt.Sprintf("https://api.github.com/search/issues?q=repo:%s+type:%s+state:open&per_page=1", repo, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("automation: github search %s: status %d", kind, resp.StatusCode)
	}

	var body struct {
		TotalCount int `json:"total_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.TotalCount > 0, nil
}

// HasOpenIssues reports whether repo has any open issues.
func (c HTTPGitHubChecker) HasOpenIssues(ctx context.Context, repo string) (bool, error) {
	return c.query(ctx, repo, "issue")
}

// HasOpenPRs reports whether repo has any open pull requests.
func (c HTTPGitHubChecker) HasOpenPRs(ctx context.Context, repo string) (bool, error) {
	return c.query(ctx, repo, "pr")
}

// shouldDeactivate evaluates an automation's stop policy, returning true if
// the automation should be deactivated this tick (and therefore skipped
// rather than fired).
func (s *Scheduler) shouldDeactivate(ctx context.Context, a *mission.Automation) bool {
	switch a.StopPolicy.Kind {
	case mission.StopPolicyNever:
		return false

	case mission.StopPolicyWhenFailingConsecutively:
		executions, err := s.store.GetAutomationExecutions(ctx, a.ID, 20)
		if err != nil {
			s.log.Warn("stop policy: list executions failed", zap.Error(err))
			return false
		}
		return consecutiveFailureCount(executions) >= a.StopPolicy.FailureCount

	case mission.StopPolicyWhenAllIssuesClosedAndPRsMerged:
		if s.github == nil {
			return false
		}
		checkCtx, cancel := context.WithTimeout(ctx, constants.StopPolicyCheckTimeout)
		defer cancel()

		hasIssues, err := s.github.HasOpenIssues(checkCtx, a.StopPolicy.Repo)
		if err != nil {
			s.log.Warn("stop policy: github issues check failed", zap.Error(err))
			return false
		}
		hasPRs, err := s.github.HasOpenPRs(checkCtx, a.StopPolicy.Repo)
		if err != nil {
			s.log.Warn("stop policy: github prs check failed", zap.Error(err))
			return false
		}
		return !hasIssues && !hasPRs

	default:
		return false
	}
}
