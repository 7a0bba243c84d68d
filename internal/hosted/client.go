// Package hosted adapts a GoTrue-compatible auth service (Supabase Auth and
// friends) to identity.Provider.
//
// client.go -- REST transport, payload types and error decoding.
//
// Every response is decoded into a typed struct and validated here, so the
// rest of the program only ever sees a well-formed Session or a sentinel error.
package hosted

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
	"time"

	"github.com/MGallo-Code/pennywise/internal/identity"
)

// maxResponseBytes caps how much of any response body is read.
const maxResponseBytes = 1 << 20

// apiError is a 4xx answer from the service. GoTrue has used two error shapes
// over time; both are folded into Code + Message.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("hosted auth: %d %s: %s", e.Status, e.Code, e.Message)
}

// is reports whether the error carries any of codes.
func (e *apiError) is(codes ...string) bool {
	for _, c := range codes {
		if e.Code == c {
			return true
		}
	}
	return false
}

type errorBody struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

// userPayload is the user object in every auth response.
type userPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// tokenPayload is the session issued by the token and signup endpoints.
type tokenPayload struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         *userPayload `json:"user"`
}

// hasSession reports whether the payload carries tokens at all.
func (p tokenPayload) hasSession() bool {
	return p.AccessToken != ""
}

// validate rejects a partially filled session.
func (p tokenPayload) validate() error {
	switch {
	case p.AccessToken == "":
		return errors.New("missing access_token")
	case p.RefreshToken == "":
		return errors.New("missing refresh_token")
	case p.User == nil || strings.TrimSpace(p.User.ID) == "":
		return errors.New("missing user id")
	}
	return nil
}

// expiry resolves the absolute expiry; expires_at wins when present.
func (p tokenPayload) expiry(now time.Time) time.Time {
	if p.ExpiresAt > 0 {
		return time.Unix(p.ExpiresAt, 0).UTC()
	}
	return now.Add(time.Duration(p.ExpiresIn) * time.Second).UTC()
}

// signupPayload covers both signup answers: a full session when email
// confirmation is off, or the bare user object when it is on.
type signupPayload struct {
	tokenPayload
	ID    string `json:"id"`
	Email string `json:"email"`
}

// client speaks the REST API. It holds no session state.
type client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string, hc *http.Client) (*client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid hosted auth url %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &client{baseURL: u, apiKey: apiKey, http: hc}, nil
}

// do sends one request. bearer overrides the API key in Authorization.
// Transport failures, 429 and 5xx wrap identity.ErrProviderUnavailable; other
// 4xx answers come back as *apiError for the caller to classify.
func (c *client) do(ctx context.Context, method, path string, query url.Values, bearer string, body, out any) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("apikey", c.apiKey)
	if bearer == "" {
		bearer = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", identity.ErrProviderUnavailable, method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", identity.ErrProviderUnavailable, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d", identity.ErrProviderUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return decodeAPIError(resp.StatusCode, payload)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: malformed %s response: %v", identity.ErrProviderUnavailable, path, err)
	}
	return nil
}

func decodeAPIError(status int, payload []byte) *apiError {
	var b errorBody
	_ = json.Unmarshal(payload, &b)

	e := &apiError{Status: status, Code: b.ErrorCode, Message: b.Msg}
	if e.Code == "" {
		e.Code = b.Error
	}
	if e.Message == "" {
		e.Message = b.ErrorDescription
	}
	if e.Message == "" {
		e.Message = b.Message
	}
	return e
}

// --- Endpoints ---

func (c *client) passwordGrant(ctx context.Context, email, password string) (tokenPayload, error) {
	var out tokenPayload
	err := c.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"password"}}, "",
		map[string]string{"email": email, "password": password}, &out)
	return out, err
}

func (c *client) refreshGrant(ctx context.Context, refreshToken string) (tokenPayload, error) {
	var out tokenPayload
	err := c.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}}, "",
		map[string]string{"refresh_token": refreshToken}, &out)
	return out, err
}

func (c *client) idTokenGrant(ctx context.Context, provider, idToken string) (tokenPayload, error) {
	var out tokenPayload
	err := c.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"id_token"}}, "",
		map[string]string{"provider": provider, "id_token": idToken}, &out)
	return out, err
}

func (c *client) signup(ctx context.Context, email, password string) (signupPayload, error) {
	var out signupPayload
	err := c.do(ctx, http.MethodPost, "/signup", nil, "",
		map[string]string{"email": email, "password": password}, &out)
	return out, err
}

func (c *client) recover(ctx context.Context, email, redirectTo string) error {
	var q url.Values
	if redirectTo != "" {
		q = url.Values{"redirect_to": {redirectTo}}
	}
	return c.do(ctx, http.MethodPost, "/recover", q, "", map[string]string{"email": email}, nil)
}

func (c *client) updatePassword(ctx context.Context, accessToken, password string) (userPayload, error) {
	var out userPayload
	err := c.do(ctx, http.MethodPut, "/user", nil, accessToken, map[string]string{"password": password}, &out)
	return out, err
}

func (c *client) user(ctx context.Context, accessToken string) (userPayload, error) {
	var out userPayload
	err := c.do(ctx, http.MethodGet, "/user", nil, accessToken, nil, &out)
	return out, err
}

func (c *client) logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, accessToken, nil, nil)
}
