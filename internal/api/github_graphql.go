package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

// DefaultGraphQLEndpoint is github.com's GraphQL API
const DefaultGraphQLEndpoint = "https://api.github.com/graphql"

// GraphQLClient checks credentials and repository access when users and
// repositories are registered. Syncing stays on the REST client.
type GraphQLClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewGraphQLClient creates a new GraphQL client. An empty endpoint means
// github.com; a nil client gets a 30s timeout.
func NewGraphQLClient(endpoint string, hc *http.Client) *GraphQLClient {
	if endpoint == "" {
		endpoint = DefaultGraphQLEndpoint
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &GraphQLClient{endpoint: endpoint, httpClient: hc}
}

// GraphQLEndpointFor derives the GraphQL endpoint from a REST base URL such
// as https://ghe.example.com/api/v3/
func GraphQLEndpointFor(restBaseURL string) string {
	if restBaseURL == "" {
		return DefaultGraphQLEndpoint
	}
	base := strings.TrimSuffix(restBaseURL, "/")
	base = strings.TrimSuffix(base, "/v3")
	return base + "/graphql"
}

func (c *GraphQLClient) client(ctx context.Context, creds models.Credentials) *githubv4.Client {
	base := &http.Client{
		Timeout:   c.httpClient.Timeout,
		Transport: statusTransport{next: c.httpClient.Transport},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken})
	return githubv4.NewEnterpriseClient(c.endpoint, oauth2.NewClient(ctx, src))
}

// Viewer is the account a set of credentials belongs to
type Viewer struct {
	Login          string
	DatabaseID     int64
	RateLimit      int
	RateRemaining  int
	RateLimitReset time.Time
}

// Viewer confirms the credentials are accepted and reports the account and
// its remaining GraphQL budget
func (c *GraphQLClient) Viewer(ctx context.Context, creds models.Credentials) (*Viewer, error) {
	const op = "verify credentials"

	var query struct {
		Viewer struct {
			Login      githubv4.String
			DatabaseID githubv4.Int `graphql:"databaseId"`
		}
		RateLimit struct {
			Limit     githubv4.Int
			Remaining githubv4.Int
			ResetAt   githubv4.DateTime
		}
	}
	if err := c.client(ctx, creds).Query(ctx, &query, nil); err != nil {
		return nil, classifyGraphQLError(op, err)
	}

	return &Viewer{
		Login:          string(query.Viewer.Login),
		DatabaseID:     int64(query.Viewer.DatabaseID),
		RateLimit:      int(query.RateLimit.Limit),
		RateRemaining:  int(query.RateLimit.Remaining),
		RateLimitReset: query.RateLimit.ResetAt.Time,
	}, nil
}

// RepositoryInfo describes what the credentials can do with a repository
type RepositoryInfo struct {
	FullName      string // canonical owner/name casing
	Permission    string // ADMIN, MAINTAIN, WRITE, TRIAGE or READ
	IssuesEnabled bool
	Archived      bool
}

// Repository looks up owner/name as the credential holder sees it. A
// repository that does not exist or is hidden yields an access error.
func (c *GraphQLClient) Repository(ctx context.Context, owner, name string, creds models.Credentials) (*RepositoryInfo, error) {
	const op = "look up repository"

	var query struct {
		Repository *struct {
			NameWithOwner    githubv4.String
			ViewerPermission githubv4.RepositoryPermission
			HasIssuesEnabled githubv4.Boolean
			IsArchived       githubv4.Boolean
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	variables := map[string]any{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(name),
	}

	if err := c.client(ctx, creds).Query(ctx, &query, variables); err != nil {
		return nil, classifyGraphQLError(op, err)
	}
	if query.Repository == nil {
		return nil, resilience.NewError(resilience.KindAccess, op, "repository %s/%s not found", owner, name)
	}

	return &RepositoryInfo{
		FullName:      string(query.Repository.NameWithOwner),
		Permission:    string(query.Repository.ViewerPermission),
		IssuesEnabled: bool(query.Repository.HasIssuesEnabled),
		Archived:      bool(query.Repository.IsArchived),
	}, nil
}

// statusTransport turns non-2xx GraphQL responses into classified errors
// before the GraphQL decoder sees them
type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindNetwork, "graphql request", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	var kind resilience.Kind
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		kind = resilience.KindAuth
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		// GraphQL reports exhausted budgets as 403 with a rate-limit message
		if resp.StatusCode == http.StatusTooManyRequests || strings.Contains(strings.ToLower(string(body)), "rate limit") {
			kind = resilience.KindRateLimit
		} else {
			kind = resilience.KindAccess
		}
	case resp.StatusCode >= 500:
		kind = resilience.KindUpstream
	default:
		kind = resilience.KindValidation
	}
	e := resilience.NewError(kind, "graphql request", "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	e.StatusCode = resp.StatusCode
	return nil, e
}

// classifyGraphQLError keeps kinds set by statusTransport and maps errors
// reported in the GraphQL response body
func classifyGraphQLError(op string, err error) error {
	var rerr *resilience.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Could not resolve to"):
		return resilience.Wrap(resilience.KindAccess, op, err)
	case strings.Contains(strings.ToLower(msg), "rate limit"):
		return resilience.Wrap(resilience.KindRateLimit, op, err)
	default:
		return resilience.Wrap(resilience.KindUnknown, op, err)
	}
}
