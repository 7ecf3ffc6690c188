// Package eonnext is a client for the E.ON Next Kraken API.
package eonnext

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
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/eonnext/pkg/common"
	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/types"
)

const DefaultBaseURL = "https://api.eonnext-kraken.energy/v1"

var (
	// ErrAuth means the credentials or token were rejected. Retrying without
	// logging in again is pointless.
	ErrAuth = errors.New("eon next authentication failed")
	// ErrAPI wraps transport and response errors that may succeed on retry.
	ErrAPI = errors.New("eon next api error")

	errNoData = fmt.Errorf("%w: response carried no data", ErrAPI)
)

// Client talks to the Kraken GraphQL and REST endpoints. It is safe for
// concurrent use.
type Client struct {
	client  *http.Client
	baseURL string
	now     func() time.Time

	// authMu serializes logins so concurrent callers share one refresh
	authMu         sync.Mutex
	email          string
	password       string
	token          string
	tokenExpires   time.Time
	refreshToken   string
	refreshExpires time.Time
	onTokenUpdate  func(refreshToken string)

	accountsMu sync.RWMutex
	accounts   []Account
}

// Account is an energy account with the meters and chargers on it.
type Account struct {
	Number     string
	Meters     []types.Meter
	EVChargers []types.EVCharger
}

// Configured sets up a Client from flags.
func Configured() *Client {
	c := New(DefaultBaseURL)
	apiURL := lflag.String("eonnext-api-url", DefaultBaseURL, "Base URL of the E.ON Next Kraken API")

	lflag.Do(func() {
		c.baseURL = strings.TrimSuffix(*apiURL, "/")
	})
	return c
}

// New returns a Client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		client:  common.HTTPClient(30 * time.Second),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}
}

// SetTokenUpdateCallback registers fn to be called with every new refresh
// token so it can be persisted. fn runs under the auth lock and must not call
// back into the Client.
func (c *Client) SetTokenUpdateCallback(fn func(refreshToken string)) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.onTokenUpdate = fn
}

// Login authenticates with email and password and loads the account roster.
func (c *Client) Login(ctx context.Context, email, password string) error {
	c.authMu.Lock()
	c.email = email
	c.password = password
	err := c.loginWithPasswordLocked(ctx)
	c.authMu.Unlock()
	if err != nil {
		return err
	}
	return c.loadAccounts(ctx)
}

// LoginWithRefreshToken authenticates with a stored refresh token and loads
// the account roster.
func (c *Client) LoginWithRefreshToken(ctx context.Context, refreshToken string) error {
	c.authMu.Lock()
	err := c.loginWithRefreshLocked(ctx, refreshToken)
	c.authMu.Unlock()
	if err != nil {
		return err
	}
	return c.loadAccounts(ctx)
}

// SetPassword stores credentials used when the refresh token expires.
func (c *Client) SetPassword(email, password string) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.email = email
	c.password = password
}

type krakenToken struct {
	Token            string `json:"token"`
	RefreshToken     string `json:"refreshToken"`
	RefreshExpiresIn int64  `json:"refreshExpiresIn"`
	Payload          struct {
		Iat int64 `json:"iat"`
		Exp int64 `json:"exp"`
	} `json:"payload"`
}

func (c *Client) loginWithPasswordLocked(ctx context.Context) error {
	if c.email == "" || c.password == "" {
		c.resetAuthLocked()
		return fmt.Errorf("%w: missing email or password", ErrAuth)
	}
	return c.obtainTokenLocked(ctx, "loginEmailAuthentication", loginMutation, map[string]any{
		"input": map[string]any{"email": c.email, "password": c.password},
	})
}

func (c *Client) loginWithRefreshLocked(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return fmt.Errorf("%w: missing refresh token", ErrAuth)
	}
	return c.obtainTokenLocked(ctx, "refreshToken", refreshMutation, map[string]any{
		"input": map[string]any{"refreshToken": refreshToken},
	})
}

func (c *Client) obtainTokenLocked(ctx context.Context, operation, query string, vars map[string]any) error {
	var data struct {
		ObtainKrakenToken *krakenToken `json:"obtainKrakenToken"`
	}
	if err := c.graphql(ctx, "", operation, query, vars, &data); err != nil {
		if errors.Is(err, errNoData) {
			err = fmt.Errorf("%w: %s rejected", ErrAuth, operation)
		}
		if errors.Is(err, ErrAuth) {
			c.resetAuthLocked()
		}
		// transient errors keep whatever tokens we had so they can be retried
		return err
	}
	if data.ObtainKrakenToken == nil || data.ObtainKrakenToken.Token == "" {
		c.resetAuthLocked()
		return fmt.Errorf("%w: %s returned no token", ErrAuth, operation)
	}

	t := data.ObtainKrakenToken
	c.token = t.Token
	c.tokenExpires = time.Unix(t.Payload.Exp, 0)
	c.refreshToken = t.RefreshToken
	c.refreshExpires = time.Unix(t.Payload.Iat+t.RefreshExpiresIn, 0)
	log.Ctx(ctx).DebugContext(ctx, "obtained kraken token", slog.String("operation", operation), slog.Time("expires", c.tokenExpires))

	if c.onTokenUpdate != nil && c.refreshToken != "" {
		c.onTokenUpdate(c.refreshToken)
	}
	return nil
}

func (c *Client) resetAuthLocked() {
	c.token = ""
	c.tokenExpires = time.Time{}
	c.refreshToken = ""
	c.refreshExpires = time.Time{}
}

// authToken returns a valid access token, refreshing it first with the
// refresh token and then with the password when needed.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	now := c.now()
	if c.token != "" && c.tokenExpires.After(now) {
		return c.token, nil
	}
	if c.refreshToken != "" && c.refreshExpires.After(now) {
		if err := c.loginWithRefreshLocked(ctx, c.refreshToken); err != nil {
			if !errors.Is(err, ErrAuth) {
				return "", err
			}
			log.Ctx(ctx).DebugContext(ctx, "refresh token rejected, falling back to password", slog.Any("error", err))
		} else {
			return c.token, nil
		}
	}
	if err := c.loginWithPasswordLocked(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

// invalidateToken forces the next authToken call to refresh.
func (c *Client) invalidateToken() {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.token = ""
	c.tokenExpires = time.Time{}
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

func isAuthError(errs []graphqlError) bool {
	for _, e := range errs {
		msg := strings.ToLower(e.Message)
		code := strings.ToLower(e.Extensions.Code)
		if strings.Contains(msg, "authenticat") ||
			strings.Contains(msg, "unauthor") ||
			strings.Contains(msg, "jwt") ||
			strings.Contains(code, "unauthenticated") ||
			strings.Contains(code, "invalid_token") {
			return true
		}
	}
	return false
}

func (c *Client) newPostJSONRequest(ctx context.Context, endpoint string, data any) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	// Kraken redirects without the trailing slash
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

// graphql posts an operation and decodes its data into dest. An empty token
// sends the request unauthenticated.
func (c *Client) graphql(ctx context.Context, token, operation, query string, vars map[string]any, dest any) error {
	if vars == nil {
		vars = map[string]any{}
	}
	req, err := c.newPostJSONRequest(ctx, "graphql", map[string]any{
		"operationName": operation,
		"variables":     vars,
		"query":         query,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to build %s request: %w", ErrAPI, operation, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "JWT "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "graphql request failed", slog.String("operation", operation), slog.Any("error", err))
		return fmt.Errorf("%w: %s request failed: %w", ErrAPI, operation, err)
	}
	defer resp.Body.Close()

	if token != "" && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %s rejected with status %d", ErrAuth, operation, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read %s response: %w", ErrAPI, operation, err)
	}
	var gr graphqlResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		log.Ctx(ctx).DebugContext(
			ctx,
			"non-json graphql response",
			slog.String("operation", operation),
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(body), 500)),
		)
		return fmt.Errorf("%w: invalid %s response: %w", ErrAPI, operation, err)
	}
	if isAuthError(gr.Errors) {
		return fmt.Errorf("%w: %s: %s", ErrAuth, operation, gr.Errors[0].Message)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		log.Ctx(ctx).WarnContext(ctx, "graphql errors in response", slog.String("operation", operation), slog.Any("errors", msgs))
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return fmt.Errorf("%w (%s)", errNoData, operation)
	}
	if dest != nil {
		if err := json.Unmarshal(gr.Data, dest); err != nil {
			return fmt.Errorf("%w: failed to decode %s data: %w", ErrAPI, operation, err)
		}
	}
	return nil
}

// authedGraphQL runs an authenticated operation, re-authenticating once if
// the token turned out to be stale.
func (c *Client) authedGraphQL(ctx context.Context, operation, query string, vars map[string]any, dest any) error {
	// we try up to 2 times because the token might have been revoked early
	for i := 0; ; i++ {
		token, err := c.authToken(ctx)
		if err != nil {
			return err
		}
		err = c.graphql(ctx, token, operation, query, vars, dest)
		if err != nil && errors.Is(err, ErrAuth) && i == 0 {
			log.Ctx(ctx).DebugContext(ctx, "kraken token rejected, retrying", slog.String("operation", operation))
			c.invalidateToken()
			continue
		}
		return err
	}
}

// doGet performs an authenticated REST GET and decodes JSON into dest.
func (c *Client) doGet(ctx context.Context, endpoint string, params url.Values, dest any) error {
	return c.getJSON(ctx, func() (*http.Request, error) {
		return c.newGetRequest(ctx, endpoint, params)
	}, dest)
}

// getJSON sends the request from build with a token, building it again for
// one retry if the token was rejected.
func (c *Client) getJSON(ctx context.Context, build func() (*http.Request, error), dest any) error {
	for i := 0; ; i++ {
		token, err := c.authToken(ctx)
		if err != nil {
			return err
		}
		req, err := build()
		if err != nil {
			return fmt.Errorf("%w: failed to build request: %w", ErrAPI, err)
		}
		req.Header.Set("Authorization", "JWT "+token)

		err = c.do(req, dest)
		if err != nil && errors.Is(err, ErrAuth) && i == 0 {
			log.Ctx(ctx).DebugContext(ctx, "kraken token rejected, retrying", slog.String("path", req.URL.Path))
			c.invalidateToken()
			continue
		}
		return err
	}
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %w", ErrAPI, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: rejected with status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", ErrAPI, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
