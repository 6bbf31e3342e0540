package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

// DefaultProbeCacheTTL is how long a confirmed repository access is trusted
const DefaultProbeCacheTTL = 5 * time.Minute

// GitHubClient represents a client for the GitHub API. One client serves every
// user; credentials are passed per call.
type GitHubClient struct {
	httpClient *http.Client
	baseURL    *url.URL
	limiter    *rate.Limiter
	probes     *cache.Cache
	logger     *zap.Logger
}

// ClientOption customizes a GitHubClient
type ClientOption func(*GitHubClient)

// WithHTTPClient sets the base transport used underneath the OAuth2 transport
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *GitHubClient) { c.httpClient = hc }
}

// WithBaseURL points the client at a GitHub Enterprise or test server
func WithBaseURL(u *url.URL) ClientOption {
	return func(c *GitHubClient) { c.baseURL = u }
}

// WithRateLimit paces outgoing requests across all repositories
func WithRateLimit(l *rate.Limiter) ClientOption {
	return func(c *GitHubClient) { c.limiter = l }
}

// WithProbeCacheTTL changes how long successful access probes are cached
func WithProbeCacheTTL(ttl time.Duration) ClientOption {
	return func(c *GitHubClient) { c.probes = cache.New(ttl, 2*ttl) }
}

// WithLogger sets the client's logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *GitHubClient) { c.logger = logger }
}

// NewGitHubClient creates a new GitHub API client
func NewGitHubClient(opts ...ClientOption) *GitHubClient {
	c := &GitHubClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		probes:     cache.New(DefaultProbeCacheTTL, 2*DefaultProbeCacheTTL),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// client builds a go-github client authenticated with creds
func (c *GitHubClient) client(ctx context.Context, creds models.Credentials) *github.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if c.baseURL != nil {
		client.BaseURL = c.baseURL
	}
	return client
}

func (c *GitHubClient) wait(ctx context.Context, op string) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return resilience.Wrap(resilience.KindNetwork, op, err)
	}
	return nil
}

// ProbeAccess confirms the credentials can still read owner/name. A missing or
// forbidden repository yields false without an error; other failures are
// returned classified.
func (c *GitHubClient) ProbeAccess(ctx context.Context, owner, name string, creds models.Credentials) (bool, error) {
	const op = "probe repository"
	key := probeKey(owner, name, creds.AccessToken)
	if _, ok := c.probes.Get(key); ok {
		return true, nil
	}

	if err := c.wait(ctx, op); err != nil {
		return false, err
	}

	_, _, err := c.client(ctx, creds).Repositories.Get(ctx, owner, name)
	if err != nil {
		err = ClassifyError(op, err)
		if resilience.IsKind(err, resilience.KindAccess) {
			c.logger.Info("repository access denied",
				zap.String("repository", owner+"/"+name),
				zap.Error(err))
			return false, nil
		}
		return false, err
	}

	c.probes.SetDefault(key, struct{}{})
	return true, nil
}

func probeKey(owner, name, token string) string {
	// the token is part of the key so a refreshed credential probes again
	suffix := token
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return strings.ToLower(owner+"/"+name) + "#" + suffix
}

// ListIssues gets issues for a repository, optionally only those updated since
// a specific time. Pull requests are left out.
func (c *GitHubClient) ListIssues(ctx context.Context, owner, name string, creds models.Credentials, since time.Time) ([]models.RemoteIssue, error) {
	const op = "list issues"
	client := c.client(ctx, creds)

	opts := &github.IssueListByRepoOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "desc",
		ListOptions: github.ListOptions{
			PerPage: 100,
		},
	}
	if !since.IsZero() {
		opts.Since = since
	}

	var all []models.RemoteIssue
	for {
		if err := c.wait(ctx, op); err != nil {
			return nil, err
		}

		issues, resp, err := client.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return nil, ClassifyError(op, err)
		}

		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			all = append(all, ConvertGitHubIssue(issue))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	c.logger.Debug("listed issues",
		zap.String("repository", owner+"/"+name),
		zap.Bool("incremental", !since.IsZero()),
		zap.Int("count", len(all)))
	return all, nil
}

// ConvertGitHubIssue converts a GitHub issue to our model
func ConvertGitHubIssue(issue *github.Issue) models.RemoteIssue {
	var assignee *string
	if issue.Assignee != nil && issue.Assignee.GetLogin() != "" {
		login := issue.Assignee.GetLogin()
		assignee = &login
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		if label.GetName() != "" {
			labels = append(labels, label.GetName())
		}
	}

	return models.RemoteIssue{
		RemoteID:  issue.GetID(),
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		URL:       issue.GetHTMLURL(),
		State:     issue.GetState(),
		Labels:    labels,
		Assignee:  assignee,
		UpdatedAt: issue.GetUpdatedAt().Time,
	}
}

// ClassifyError maps go-github errors onto resilience kinds
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		e := resilience.Wrap(resilience.KindRateLimit, op, err).(*resilience.Error)
		e.StatusCode = statusOf(rateErr.Response)
		if reset := rateErr.Rate.Reset.Time; !reset.IsZero() {
			if wait := time.Until(reset); wait > 0 {
				e.RetryAfter = wait
			}
		}
		return e
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		e := resilience.Wrap(resilience.KindRateLimit, op, err).(*resilience.Error)
		e.StatusCode = statusOf(abuseErr.Response)
		e.RetryAfter = abuseErr.GetRetryAfter()
		return e
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		status := statusOf(respErr.Response)
		var kind resilience.Kind
		switch {
		case status == http.StatusUnauthorized:
			kind = resilience.KindAuth
		case status == http.StatusForbidden, status == http.StatusNotFound, status == http.StatusGone:
			kind = resilience.KindAccess
		case status == http.StatusTooManyRequests:
			kind = resilience.KindRateLimit
		case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
			kind = resilience.KindValidation
		case status >= 500:
			kind = resilience.KindUpstream
		default:
			kind = resilience.KindUnknown
		}
		e := resilience.Wrap(kind, op, err).(*resilience.Error)
		e.StatusCode = status
		return e
	}

	// oauth2 surfaces refresh failures as *oauth2.RetrieveError
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return resilience.Wrap(resilience.KindAuth, op, err)
	}

	kind, _ := resilience.Classify(err)
	if kind == resilience.KindUnknown && !errors.Is(err, context.Canceled) {
		return resilience.Wrap(resilience.KindUnknown, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
