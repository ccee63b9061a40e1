// Package github talks to the GitHub REST API on behalf of the sync
// detector.
package github

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/inferera/skills-repo/pkg/logger"
)

// Client wraps the GitHub API client
type Client struct {
	client *github.Client
}

// Option customises a Client.
type Option func(*github.Client) error

// WithBaseURL points the client at a different API endpoint, such as a
// GitHub Enterprise server or a test server.
func WithBaseURL(baseURL string) Option {
	return func(c *github.Client) error {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return errors.Wrapf(err, "invalid GitHub API base URL %q", baseURL)
		}
		c.BaseURL = u
		return nil
	}
}

// NewClient creates a new GitHub client, authenticated when token is set
func NewClient(ctx context.Context, token string, opts ...Option) (*Client, error) {
	log := logger.G(ctx)

	var httpClient *http.Client
	if token == "" {
		log.Debug("no GitHub token provided, compare API calls are unauthenticated")
	} else {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
		log.Debug("GitHub client initialized with authentication")
	}

	client := github.NewClient(httpClient)
	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}
	return &Client{client: client}, nil
}

// GetClient returns the underlying GitHub client
func (c *Client) GetClient() *github.Client {
	return c.client
}
