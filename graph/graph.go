// Package graph implements mailbox.Client on the Microsoft Graph mail API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dhcgn/archive-to-mailbox/dedup"
	"github.com/dhcgn/archive-to-mailbox/mailbox"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	Scope          = "https://graph.microsoft.com/.default"

	defaultMaxRetries = 3
	maxBackoff        = 30 * time.Second
)

// TokenURL is the client credentials endpoint of tenant.
func TokenURL(tenant string) string {
	return "https://login.microsoftonline.com/" + url.PathEscape(tenant) + "/oauth2/v2.0/token"
}

type Options struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Mailbox      string

	// BaseURL and TokenURL override the public endpoints.
	BaseURL  string
	TokenURL string

	Timeout    time.Duration
	MaxRetries int
	// RetryBase is the first backoff when a throttled response carries no
	// Retry-After header.
	RetryBase time.Duration
}

// Client talks to the mail folders of one mailbox.
type Client struct {
	baseURL    string
	mailbox    string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger
}

// New returns a client authenticated with the client credentials flow.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.Mailbox) == "" {
		return nil, fmt.Errorf("graph mailbox is empty")
	}
	if opts.TenantID == "" || opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, &mailbox.ServiceError{Op: "graph auth", Message: "missing client credentials", Err: mailbox.ErrUnauthorized}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL(opts.TenantID)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cfg := clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{Scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	base := &http.Client{Timeout: timeout}
	httpClient := cfg.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	httpClient.Timeout = timeout

	return newClient(opts, httpClient, logger), nil
}

func newClient(opts Options, httpClient *http.Client, logger *slog.Logger) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		mailbox:    strings.TrimSpace(opts.Mailbox),
		httpClient: httpClient,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		logger:     logger,
	}
}

type folderPage struct {
	Value    []mailbox.Folder `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

func (c *Client) ListChildFolders(ctx context.Context, parentID string) ([]mailbox.Folder, error) {
	next := c.baseURL + c.foldersPath(parentID) + "?$top=100"

	var folders []mailbox.Folder
	for next != "" {
		var page folderPage
		if err := c.do(ctx, "list folders", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, f := range page.Value {
			if f.ParentID == "" {
				f.ParentID = parentID
			}
			folders = append(folders, f)
		}
		next = page.NextLink
	}
	return folders, nil
}

func (c *Client) CreateChildFolder(ctx context.Context, parentID, displayName string) (mailbox.Folder, error) {
	body := map[string]string{"displayName": displayName}

	var folder mailbox.Folder
	if err := c.do(ctx, "create folder", http.MethodPost, c.baseURL+c.foldersPath(parentID), body, &folder); err != nil {
		return mailbox.Folder{}, err
	}
	return folder, nil
}

func (c *Client) FindMessage(ctx context.Context, folderID string, f dedup.Filter) (bool, error) {
	target := c.baseURL + c.messagesPath(folderID) + "?$filter=" + queryEscape(f.OData()) + "&$select=id&$top=1"

	var page struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := c.do(ctx, "find message", http.MethodGet, target, nil, &page); err != nil {
		return false, err
	}
	return len(page.Value) > 0, nil
}

func (c *Client) CreateMessage(ctx context.Context, folderID string, msg *mailbox.Message) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create message", http.MethodPost, c.baseURL+c.messagesPath(folderID), msg, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *Client) userPath() string {
	return "/users/" + url.PathEscape(c.mailbox)
}

func (c *Client) foldersPath(parentID string) string {
	if parentID == "" {
		return c.userPath() + "/mailFolders"
	}
	return c.userPath() + "/mailFolders/" + url.PathEscape(parentID) + "/childFolders"
}

func (c *Client) messagesPath(folderID string) string {
	return c.userPath() + "/mailFolders/" + url.PathEscape(folderID) + "/messages"
}

// queryEscape encodes spaces as %20, which OData expects inside $filter.
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends one request, retrying throttled responses, and decodes the JSON
// response into result.
func (c *Client) do(ctx context.Context, op, method, target string, body, result any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		payload = data
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var tokenErr *oauth2.RetrieveError
			if errors.As(err, &tokenErr) {
				svcErr := &mailbox.ServiceError{Op: op, Code: tokenErr.ErrorCode, Message: tokenErr.ErrorDescription,
					Err: fmt.Errorf("%w: %w", mailbox.ErrUnauthorized, err)}
				if tokenErr.Response != nil {
					svcErr.StatusCode = tokenErr.Response.StatusCode
				}
				return svcErr
			}
			return &mailbox.ServiceError{Op: op, Err: err}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return &mailbox.ServiceError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", readErr)}
		}

		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			wait := c.retryAfter(resp, attempt)
			c.logger.Debug("graph request throttled", "op", op, "status", resp.StatusCode, "wait", wait, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(op, resp.StatusCode, respBody)
		}

		if result == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, result); err != nil {
			return &mailbox.ServiceError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// retryAfter reads the Retry-After header and falls back to exponential
// backoff.
func (c *Client) retryAfter(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	backoff := c.retryBase << uint(attempt)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

func statusError(op string, status int, body []byte) error {
	svcErr := &mailbox.ServiceError{Op: op, StatusCode: status}

	var parsed errorResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Code != "" {
		svcErr.Code = parsed.Error.Code
		svcErr.Message = parsed.Error.Message
	} else if text := strings.TrimSpace(string(body)); text != "" {
		svcErr.Message = text
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		svcErr.Err = mailbox.ErrUnauthorized
	case http.StatusNotFound:
		svcErr.Err = mailbox.ErrNotFound
	}
	return svcErr
}
