package tokenprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
)

const (
	defaultSecureTokenURL     = "https://securetoken.googleapis.com/v1/token"
	defaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	defaultTimeProbeURL       = "https://www.googleapis.com/"

	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Endpoints are the token issuer URLs used by HTTPTransport.
type Endpoints struct {
	// OAuth2TokenURL receives service account assertions.
	OAuth2TokenURL string
	// SecureTokenURL exchanges refresh tokens.
	SecureTokenURL string
	// IdentityToolkitURL is the base URL of the accounts API.
	IdentityToolkitURL string
	// TimeProbeURL is queried for its Date header when the clock is unsynchronized.
	TimeProbeURL string
}

func (e Endpoints) withDefaults() Endpoints {
	if e.OAuth2TokenURL == "" {
		e.OAuth2TokenURL = google.JWTTokenURL
	}
	if e.SecureTokenURL == "" {
		e.SecureTokenURL = defaultSecureTokenURL
	}
	if e.IdentityToolkitURL == "" {
		e.IdentityToolkitURL = defaultIdentityToolkitURL
	}
	if e.TimeProbeURL == "" {
		e.TimeProbeURL = defaultTimeProbeURL
	}
	return e
}

// HTTPTransport implements Transport over HTTPS against the Google token endpoints.
type HTTPTransport struct {
	client    *http.Client
	endpoints Endpoints
}

// NewHTTPTransport returns a Transport using client. A nil client defers to
// oauth2.NewClient, which honours an *http.Client stored under oauth2.HTTPClient
// in the request context.
func NewHTTPTransport(client *http.Client, endpoints Endpoints) *HTTPTransport {
	return &HTTPTransport{client: client, endpoints: endpoints.withDefaults()}
}

// Exchange implements Transport.
func (t *HTTPTransport) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	httpReq, err := t.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	res, body, err := t.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, parseServiceError(res, body)
	}

	if _, ok := req.(DeleteAccount); ok {
		return &TokenResponse{ServerTime: serverTime(res)}, nil
	}
	return parseTokenResponse(res, body)
}

// ServerTime implements Transport by reading the Date header of a HEAD request.
func (t *HTTPTransport) ServerTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.endpoints.TimeProbeURL, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create time probe request: %w", err)
	}
	res, _, err := t.do(ctx, req)
	if err != nil {
		return time.Time{}, err
	}
	ts := serverTime(res)
	if ts.IsZero() {
		return time.Time{}, &TransportError{Kind: TransportMalformed, Err: errors.New("time probe response has no Date header")}
	}
	return ts, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, req TokenRequest) (*http.Request, error) {
	switch r := req.(type) {
	case AssertionGrant:
		tokenURL := r.TokenURL
		if tokenURL == "" {
			tokenURL = t.endpoints.OAuth2TokenURL
		}
		return newFormRequest(ctx, tokenURL, url.Values{
			"grant_type": {jwtBearerGrantType},
			"assertion":  {r.Assertion},
		})
	case RefreshGrant:
		return newFormRequest(ctx, withKey(t.endpoints.SecureTokenURL, r.APIKey), url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {r.RefreshToken},
		})
	case PasswordGrant:
		method := "accounts:signInWithPassword"
		if r.SignUp {
			method = "accounts:signUp"
		}
		payload := map[string]interface{}{"returnSecureToken": r.ReturnSecureToken}
		if r.Email != "" || r.Password != "" {
			payload["email"] = r.Email
			payload["password"] = r.Password
		}
		return newJSONRequest(ctx, t.accountsURL(method, r.APIKey), payload)
	case CustomTokenGrant:
		return newJSONRequest(ctx, t.accountsURL("accounts:signInWithCustomToken", r.APIKey), map[string]interface{}{
			"token":             r.CustomToken,
			"returnSecureToken": true,
		})
	case DeleteAccount:
		return newJSONRequest(ctx, t.accountsURL("accounts:delete", r.APIKey), map[string]interface{}{
			"idToken": r.IDToken,
		})
	default:
		return nil, fmt.Errorf("unsupported token request %T", req)
	}
}

func (t *HTTPTransport) accountsURL(method, apiKey string) string {
	return withKey(strings.TrimRight(t.endpoints.IdentityToolkitURL, "/")+"/"+method, apiKey)
}

func (t *HTTPTransport) do(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	client := t.client
	if client == nil {
		client = oauth2.NewClient(ctx, nil)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, nil, newTransportError(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, newTransportError(fmt.Errorf("failed to read token response: %w", err))
	}
	return res, body, nil
}

func newFormRequest(ctx context.Context, endpoint string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func newJSONRequest(ctx context.Context, endpoint string, payload interface{}) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func withKey(endpoint, apiKey string) string {
	if apiKey == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "key=" + url.QueryEscape(apiKey)
}

func newTransportError(err error) *TransportError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TransportError{Kind: TransportTimeout, Err: err}
	}
	return &TransportError{Kind: TransportConnection, Err: err}
}

func serverTime(res *http.Response) time.Time {
	date := res.Header.Get("Date")
	if date == "" {
		return time.Time{}
	}
	ts, err := http.ParseTime(date)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// parseTokenResponse reads both the OAuth2 (snake_case) and the Identity
// Toolkit (camelCase) payloads. expiresIn may be a number or a string.
func parseTokenResponse(res *http.Response, body []byte) (*TokenResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, &TransportError{Kind: TransportMalformed, Err: errors.New("failed to decode token response: invalid JSON")}
	}

	fields := gjson.GetManyBytes(body,
		"access_token", "id_token", "idToken", "refresh_token", "refreshToken",
		"expires_in", "expiresIn", "user_id", "localId")
	first := func(a, b gjson.Result) gjson.Result {
		if a.Exists() && a.String() != "" {
			return a
		}
		return b
	}

	tr := &TokenResponse{
		AccessToken:  fields[0].String(),
		IDToken:      first(fields[1], fields[2]).String(),
		RefreshToken: first(fields[3], fields[4]).String(),
		ExpiresIn:    time.Duration(first(fields[5], fields[6]).Int()) * time.Second,
		UserID:       first(fields[7], fields[8]).String(),
		ServerTime:   serverTime(res),
	}

	if tr.bearer() == "" {
		return nil, &TransportError{Kind: TransportMalformed, Err: errors.New("token response missing access_token")}
	}
	if tr.ExpiresIn <= 0 {
		return nil, &TransportError{Kind: TransportMalformed, Err: errors.New("invalid or missing expires_in in token response")}
	}
	return tr, nil
}

// parseServiceError turns a non-2xx response into a *ServiceError. Identity
// Toolkit bodies ({"error":{"code","message"}}) are decoded by googleapi;
// OAuth2 bodies ({"error","error_description"}) are read directly.
func parseServiceError(res *http.Response, body []byte) error {
	res.Body = io.NopCloser(bytes.NewReader(body))
	var apiErr *googleapi.Error
	if err := googleapi.CheckResponse(res); errors.As(err, &apiErr) && apiErr.Message != "" {
		return &ServiceError{Code: apiErr.Code, Message: apiErr.Message, ServerTime: serverTime(res)}
	}

	if e := gjson.GetBytes(body, "error"); e.Type == gjson.String {
		return &ServiceError{
			Code:        res.StatusCode,
			Message:     e.String(),
			Description: gjson.GetBytes(body, "error_description").String(),
			ServerTime:  serverTime(res),
		}
	}
	return &ServiceError{Code: res.StatusCode, Message: strings.TrimSpace(string(body)), ServerTime: serverTime(res)}
}
