// Package github is a small GitHub REST v3 client covering what herald needs:
// polling the comments of one issue and editing them.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultAPIURL is the public GitHub API.
	DefaultAPIURL = "https://api.github.com"

	// DefaultPollInterval is the delay between two not-modified polls.
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrNotModified is returned by ListComments when the cached ETag still matches.
var ErrNotModified = errors.New("not modified")

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitHub API error: %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// User is a GitHub account.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Comment is an issue comment.
type Comment struct {
	ID        int64     `json:"id"`
	User      User      `json:"user"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Page is one successful poll: the comments and the server time of the response.
type Page struct {
	Comments []Comment
	Date     time.Time
}

// Options configures a Client.
type Options struct {
	APIURL       string
	Token        string
	UserAgent    string
	Repo         string // owner/name of the repository holding the issue
	Issue        string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Client talks to the GitHub API. It is safe for concurrent use.
type Client struct {
	http         *http.Client
	apiURL       string
	token        string
	userAgent    string
	repo         string
	issue        string
	pollInterval time.Duration

	mu    sync.RWMutex
	etags map[string]string
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "herald"
	}
	return &Client{
		http:         opts.HTTPClient,
		apiURL:       strings.TrimSuffix(opts.APIURL, "/"),
		token:        opts.Token,
		userAgent:    opts.UserAgent,
		repo:         opts.Repo,
		issue:        opts.Issue,
		pollInterval: opts.PollInterval,
		etags:        make(map[string]string),
	}
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
}

// Viewer returns the authenticated user.
func (c *Client) Viewer(ctx context.Context) (User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.apiURL+"/user", nil)
	if err != nil {
		return User{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("failed to query viewer: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return User{}, err
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return User{}, fmt.Errorf("failed to decode viewer: %w", err)
	}
	return u, nil
}

func (c *Client) commentsURL() string {
	return fmt.Sprintf("%s/repos/%s/issues/%s/comments", c.apiURL, c.repo, c.issue)
}

// ListComments fetches the issue comments created or updated since the given
// time, or all comments when since is nil. Further pages are followed through
// the Link header. It returns ErrNotModified when the server answers 304 to
// the cached ETag of the first page.
func (c *Client) ListComments(ctx context.Context, since *time.Time) (*Page, error) {
	endpoint := c.commentsURL()

	query := url.Values{}
	query.Set("per_page", "100")
	if since != nil {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}

	req, err := c.newRequest(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	etag, ok := c.etags[endpoint]
	c.mu.RUnlock()
	if ok {
		req.Header.Set("If-None-Match", etag)
	}

	comments, resp, err := c.fetchComments(req)
	if err != nil {
		return nil, err
	}

	tag := resp.Header.Get("ETag")
	date, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		date = time.Now().UTC()
	}

	for next := nextLink(resp); next != ""; next = nextLink(resp) {
		req, err := c.newRequest(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		var more []Comment
		more, resp, err = c.fetchComments(req)
		if err != nil {
			return nil, fmt.Errorf("failed to follow comment pages: %w", err)
		}
		comments = append(comments, more...)
	}

	// The ETag is only stored once every page has been read, so a failed
	// pagination is retried in full.
	if tag != "" {
		c.mu.Lock()
		c.etags[endpoint] = tag
		c.mu.Unlock()
	}
	return &Page{Comments: comments, Date: date}, nil
}

// fetchComments runs one page request. The response body is closed; its
// headers stay readable.
func (c *Client) fetchComments(req *http.Request) ([]Comment, *http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil, ErrNotModified
	}
	if err := checkStatus(resp); err != nil {
		return nil, nil, err
	}

	var comments []Comment
	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		return nil, nil, fmt.Errorf("failed to decode comments: %w", err)
	}
	return comments, resp, nil
}

// nextLink returns the rel="next" target of the Link header, resolved against
// the request URL, or "" on the last page.
func nextLink(resp *http.Response) string {
	for _, link := range strings.Split(resp.Header.Get("Link"), ",") {
		target, params, ok := strings.Cut(strings.TrimSpace(link), ";")
		if !ok {
			continue
		}
		target = strings.TrimSpace(target)
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range strings.Split(params, ";") {
			if strings.TrimSpace(param) != `rel="next"` {
				continue
			}
			ref, err := url.Parse(target[1 : len(target)-1])
			if err != nil {
				return ""
			}
			if resp.Request != nil && resp.Request.URL != nil {
				ref = resp.Request.URL.ResolveReference(ref)
			}
			return ref.String()
		}
	}
	return ""
}

// PollComments calls ListComments until the content changes, sleeping the
// poll interval between not-modified answers.
func (c *Client) PollComments(ctx context.Context, since *time.Time) (*Page, error) {
	for {
		page, err := c.ListComments(ctx, since)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, ErrNotModified) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// EditComment replaces the body of an issue comment.
func (c *Client) EditComment(ctx context.Context, id int64, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/repos/%s/issues/comments/%d", c.apiURL, c.repo, id)
	req, err := c.newRequest(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to edit comment %d: %w", id, err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}
