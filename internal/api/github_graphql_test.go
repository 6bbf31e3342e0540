package api

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/stalewatch/internal/resilience"
)

const testGraphQLEndpoint = "https://github.test/api/graphql"

func newMockedGraphQLClient(t *testing.T) (*GraphQLClient, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	return NewGraphQLClient(testGraphQLEndpoint, &http.Client{Transport: transport}), transport
}

func TestGraphQLEndpointFor(t *testing.T) {
	assert.Equal(t, DefaultGraphQLEndpoint, GraphQLEndpointFor(""))
	assert.Equal(t, "https://ghe.example.com/api/graphql", GraphQLEndpointFor("https://ghe.example.com/api/v3/"))
	assert.Equal(t, "https://ghe.example.com/api/graphql", GraphQLEndpointFor("https://ghe.example.com/api/v3"))
}

func TestViewer(t *testing.T) {
	t.Parallel()

	client, transport := newMockedGraphQLClient(t)
	transport.RegisterResponder("POST", testGraphQLEndpoint,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer gho_testtoken123", req.Header.Get("Authorization"))
			body, _ := io.ReadAll(req.Body)
			assert.Contains(t, string(body), "viewer")
			return httpmock.NewStringResponse(http.StatusOK, `{"data": {
				"viewer": {"login": "octocat", "databaseId": 583231},
				"rateLimit": {"limit": 5000, "remaining": 4990, "resetAt": "2024-05-01T11:00:00Z"}
			}}`), nil
		})

	viewer, err := client.Viewer(t.Context(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, "octocat", viewer.Login)
	assert.Equal(t, int64(583231), viewer.DatabaseID)
	assert.Equal(t, 4990, viewer.RateRemaining)
	assert.Equal(t, 5000, viewer.RateLimit)
}

func TestViewer_BadCredentials(t *testing.T) {
	t.Parallel()

	client, transport := newMockedGraphQLClient(t)
	transport.RegisterResponder("POST", testGraphQLEndpoint,
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"message": "Bad credentials"}`))

	_, err := client.Viewer(t.Context(), testCreds)
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindAuth), "got %v", err)
}

func TestRepository(t *testing.T) {
	t.Parallel()

	client, transport := newMockedGraphQLClient(t)
	transport.RegisterResponder("POST", testGraphQLEndpoint,
		func(req *http.Request) (*http.Response, error) {
			var payload struct {
				Variables map[string]string `json:"variables"`
			}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "octo", payload.Variables["owner"])
			assert.Equal(t, "widgets", payload.Variables["name"])
			return httpmock.NewStringResponse(http.StatusOK, `{"data": {"repository": {
				"nameWithOwner": "Octo/Widgets", "viewerPermission": "ADMIN",
				"hasIssuesEnabled": true, "isArchived": false
			}}}`), nil
		})

	info, err := client.Repository(t.Context(), "octo", "widgets", testCreds)
	require.NoError(t, err)
	assert.Equal(t, "Octo/Widgets", info.FullName)
	assert.Equal(t, "ADMIN", info.Permission)
	assert.True(t, info.IssuesEnabled)
	assert.False(t, info.Archived)
}

func TestRepository_NotFoundIsAccessError(t *testing.T) {
	t.Parallel()

	client, transport := newMockedGraphQLClient(t)
	transport.RegisterResponder("POST", testGraphQLEndpoint,
		httpmock.NewStringResponder(http.StatusOK, `{
			"data": {"repository": null},
			"errors": [{"type": "NOT_FOUND", "message": "Could not resolve to a Repository with the name 'octo/gone'."}]
		}`))

	_, err := client.Repository(t.Context(), "octo", "gone", testCreds)
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindAccess), "got %v", err)
}

func TestRepository_RateLimitedAndUpstream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		body   string
		want   resilience.Kind
	}{
		{http.StatusForbidden, `{"message": "API rate limit exceeded for user"}`, resilience.KindRateLimit},
		{http.StatusForbidden, `{"message": "Resource not accessible by integration"}`, resilience.KindAccess},
		{http.StatusBadGateway, `bad gateway`, resilience.KindUpstream},
	}
	for _, tt := range tests {
		client, transport := newMockedGraphQLClient(t)
		transport.RegisterResponder("POST", testGraphQLEndpoint, httpmock.NewStringResponder(tt.status, tt.body))

		_, err := client.Repository(t.Context(), "octo", "widgets", testCreds)
		require.Error(t, err)
		assert.Equal(t, tt.want, resilience.KindOf(err), "status %d: %v", tt.status, err)
	}
}
