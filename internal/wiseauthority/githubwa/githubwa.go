// Package githubwa is a GitHub-backed WiseAuthority provider: deferrals
// become issues in a review repository, and guidance is read back from
// issue comments left by authorized reviewers.
package githubwa

import (
	"context"
	"fmt"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ciriscore/agentcore/internal/github"
	"github.com/ciriscore/agentcore/internal/wiseauthority"
)

// deferralLabel marks issues this provider opened.
const deferralLabel = "agent-deferral"

// Config locates the review repository and the GitHub App credentials.
type Config struct {
	Owner          string
	Repo           string
	AppID          string
	InstallationID int64
	PrivateKeyPEM  []byte
	// Reviewers restricts whose comments count as guidance. Empty means
	// any commenter.
	Reviewers map[string]bool
	// BaseURL overrides the API endpoint for tests.
	BaseURL string
}

// Provider implements wiseauthority.Service over the GitHub issues API.
type Provider struct {
	cfg     Config
	logger  *zap.Logger
	tokens  *github.TokenManager
	timeout time.Duration

	// newClient builds an API client for one installation token; tests
	// replace it to point at a local server.
	newClient func(token string) *gh.Client
}

// New creates a Provider, validating the App credentials eagerly so a bad
// key fails at startup rather than at the first deferral.
func New(cfg Config, logger *zap.Logger, timeout time.Duration) (*Provider, error) {
	tm, err := github.NewTokenManager(cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "githubwa: token manager")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &Provider{cfg: cfg, logger: logger, tokens: tm, timeout: timeout}
	p.newClient = func(token string) *gh.Client {
		c := gh.NewClient(nil).WithAuthToken(token)
		if cfg.BaseURL != "" {
			c, _ = c.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		}
		return c
	}
	return p, nil
}

func (p *Provider) client() (*gh.Client, error) {
	token, err := p.tokens.Token()
	if err != nil {
		return nil, errors.Wrap(err, "githubwa: installation token")
	}
	return p.newClient(token), nil
}

// SubmitDeferral opens a labeled issue describing the deferred decision.
func (p *Provider) SubmitDeferral(d wiseauthority.DeferralContext) (bool, error) {
	client, err := p.client()
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	title := fmt.Sprintf("Deferral: %s", d.Reason)
	body := deferralBody(d)
	labels := []string{deferralLabel}

	issue, _, err := client.Issues.Create(ctx, p.cfg.Owner, p.cfg.Repo, &gh.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &labels,
	})
	if err != nil {
		return false, errors.Wrapf(err, "githubwa: create deferral issue for thought %s", d.ThoughtID)
	}

	p.logger.Info("deferral submitted",
		zap.String("thought_id", d.ThoughtID),
		zap.Int("issue", issue.GetNumber()))
	return true, nil
}

// deferralBody renders the structured context; the thought id appears
// verbatim for reply correlation.
func deferralBody(d wiseauthority.DeferralContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Thought:** %s\n", d.ThoughtID)
	fmt.Fprintf(&b, "**Task:** %s\n", d.TaskID)
	fmt.Fprintf(&b, "**Reason:** %s\n", d.Reason)
	if d.DeferUntil != nil {
		fmt.Fprintf(&b, "**Defer until:** %s\n", d.DeferUntil.UTC().Format(time.RFC3339))
	}
	if d.Priority != "" {
		fmt.Fprintf(&b, "**Priority:** %s\n", d.Priority)
	}
	for k, v := range d.Metadata {
		fmt.Fprintf(&b, "**%s:** %s\n", k, v)
	}
	return b.String()
}

// FetchGuidance finds the deferral issue for the context's thought and
// returns the newest reviewer comment, or "" when none exists yet.
func (p *Provider) FetchGuidance(g wiseauthority.GuidanceContext) (string, error) {
	client, err := p.client()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	issues, _, err := client.Issues.ListByRepo(ctx, p.cfg.Owner, p.cfg.Repo, &gh.IssueListByRepoOptions{
		Labels: []string{deferralLabel},
		State:  "open",
	})
	if err != nil {
		return "", errors.Wrap(err, "githubwa: list deferral issues")
	}

	var target *gh.Issue
	for _, issue := range issues {
		if strings.Contains(issue.GetBody(), g.ThoughtID) {
			target = issue
			break
		}
	}
	if target == nil {
		return "", nil
	}

	comments, _, err := client.Issues.ListComments(ctx, p.cfg.Owner, p.cfg.Repo, target.GetNumber(), nil)
	if err != nil {
		return "", errors.Wrapf(err, "githubwa: list comments on issue %d", target.GetNumber())
	}

	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		author := c.GetUser().GetLogin()
		if len(p.cfg.Reviewers) > 0 && !p.cfg.Reviewers[author] {
			continue
		}
		return c.GetBody(), nil
	}
	return "", nil
}
