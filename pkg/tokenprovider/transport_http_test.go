package tokenprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) *HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPTransport(srv.Client(), Endpoints{
		OAuth2TokenURL:     srv.URL + "/token",
		SecureTokenURL:     srv.URL + "/v1/token",
		IdentityToolkitURL: srv.URL + "/v1",
		TimeProbeURL:       srv.URL + "/",
	})
}

func TestHTTPTransport_Exchange(t *testing.T) {
	ctx := context.Background()
	serverDate := time.Date(2024, time.May, 2, 10, 30, 0, 0, time.UTC)

	t.Run("should post the assertion as a form", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/token", r.URL.Path)
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
			assert.Equal(t, "signed-assertion", r.Form.Get("assertion"))

			w.Header().Set("Date", serverDate.Format(http.TimeFormat))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "test-access-token",
				"token_type":   "Bearer",
				"expires_in":   3599,
			})
		})

		resp, err := transport.Exchange(ctx, AssertionGrant{Assertion: "signed-assertion"})
		require.NoError(t, err)
		assert.Equal(t, "test-access-token", resp.AccessToken)
		assert.Equal(t, 3599*time.Second, resp.ExpiresIn)
		assert.True(t, serverDate.Equal(resp.ServerTime))
	})

	t.Run("should post the assertion to the service account token uri", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/sa/token", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "sa-token", "expires_in": 60})
		})
		tokenURL := strings.TrimSuffix(transport.endpoints.OAuth2TokenURL, "/token") + "/sa/token"

		resp, err := transport.Exchange(ctx, AssertionGrant{Assertion: "a", TokenURL: tokenURL})
		require.NoError(t, err)
		assert.Equal(t, "sa-token", resp.AccessToken)
	})

	t.Run("should sign in with password as JSON", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/accounts:signInWithPassword", r.URL.Path)
			assert.Equal(t, "api-key", r.URL.Query().Get("key"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]interface{}{
				"email":             "user@test.com",
				"password":          "secret",
				"returnSecureToken": true,
			}, body)

			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"idToken":      "id-token",
				"refreshToken": "refresh-token",
				"expiresIn":    "3600",
				"localId":      "uid-1",
			})
		})

		resp, err := transport.Exchange(ctx, PasswordGrant{APIKey: "api-key", Email: "user@test.com", Password: "secret", ReturnSecureToken: true})
		require.NoError(t, err)
		assert.Equal(t, "id-token", resp.bearer())
		assert.Equal(t, "refresh-token", resp.RefreshToken)
		assert.Equal(t, time.Hour, resp.ExpiresIn)
		assert.Equal(t, "uid-1", resp.UserID)
	})

	t.Run("should sign up anonymously", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/accounts:signUp", r.URL.Path)
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]interface{}{"returnSecureToken": true}, body)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"idToken": "anon", "expiresIn": "3600"})
		})

		resp, err := transport.Exchange(ctx, PasswordGrant{APIKey: "api-key", ReturnSecureToken: true, SignUp: true})
		require.NoError(t, err)
		assert.Equal(t, "anon", resp.bearer())
	})

	t.Run("should exchange a refresh token with snake case response", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/token", r.URL.Path)
			assert.Equal(t, "api-key", r.URL.Query().Get("key"))
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"id_token":      "new-id",
				"access_token":  "new-access",
				"refresh_token": "new-refresh",
				"expires_in":    "3600",
				"user_id":       "uid-1",
			})
		})

		resp, err := transport.Exchange(ctx, RefreshGrant{APIKey: "api-key", RefreshToken: "old-refresh"})
		require.NoError(t, err)
		assert.Equal(t, "new-id", resp.bearer())
		assert.Equal(t, "new-refresh", resp.RefreshToken)
		assert.Equal(t, time.Hour, resp.ExpiresIn)
	})

	t.Run("should exchange a custom token", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/accounts:signInWithCustomToken", r.URL.Path)
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "custom", body["token"])
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"idToken": "id", "expiresIn": "3600"})
		})

		_, err := transport.Exchange(ctx, CustomTokenGrant{APIKey: "api-key", CustomToken: "custom"})
		require.NoError(t, err)
	})

	t.Run("should delete an account", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/accounts:delete", r.URL.Path)
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "id", body["idToken"])
			_, _ = w.Write([]byte(`{"kind":"identitytoolkit#DeleteAccountResponse"}`))
		})

		resp, err := transport.Exchange(ctx, DeleteAccount{APIKey: "api-key", IDToken: "id"})
		require.NoError(t, err)
		assert.NotNil(t, resp)
	})
}

func TestHTTPTransport_Errors(t *testing.T) {
	ctx := context.Background()
	serverDate := time.Date(2024, time.May, 2, 10, 30, 0, 0, time.UTC)

	t.Run("should decode identity toolkit errors", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Date", serverDate.Format(http.TimeFormat))
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"message":"INVALID_PASSWORD","errors":[{"message":"INVALID_PASSWORD","domain":"global","reason":"invalid"}]}}`))
		})

		_, err := transport.Exchange(ctx, PasswordGrant{APIKey: "k", Email: "e", Password: "p"})

		var svcErr *ServiceError
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, 400, svcErr.Code)
		assert.Equal(t, "INVALID_PASSWORD", svcErr.Message)
		assert.True(t, serverDate.Equal(svcErr.ServerTime))
	})

	t.Run("should decode oauth2 errors", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid JWT Signature."}`))
		})

		_, err := transport.Exchange(ctx, AssertionGrant{Assertion: "a"})

		var svcErr *ServiceError
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, "invalid_grant", svcErr.Message)
		assert.Equal(t, "Invalid JWT Signature.", svcErr.Description)
		assert.Equal(t, classService, classify(err))
	})

	t.Run("should keep a plain error body", func(t *testing.T) {
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("upstream unavailable\n"))
		})

		_, err := transport.Exchange(ctx, AssertionGrant{Assertion: "a"})

		var svcErr *ServiceError
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, 503, svcErr.Code)
		assert.Equal(t, "upstream unavailable", svcErr.Message)
		assert.True(t, svcErr.Temporary())
	})

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"invalid JSON", `{"access_token":`, "failed to decode token response: invalid JSON"},
		{"missing token", `{"expires_in":3600}`, "token response missing access_token"},
		{"missing expiry", `{"access_token":"t"}`, "invalid or missing expires_in in token response"},
		{"negative expiry", `{"access_token":"t","expires_in":-5}`, "invalid or missing expires_in in token response"},
	}
	for _, tt := range tests {
		t.Run("should reject a response with "+tt.name, func(t *testing.T) {
			transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := transport.Exchange(ctx, AssertionGrant{Assertion: "a"})

			var trErr *TransportError
			require.ErrorAs(t, err, &trErr)
			assert.Equal(t, TransportMalformed, trErr.Kind)
			assert.EqualError(t, trErr.Err, tt.message)
		})
	}

	t.Run("should report connection failures", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		transport := NewHTTPTransport(srv.Client(), Endpoints{OAuth2TokenURL: srv.URL})

		_, err := transport.Exchange(ctx, AssertionGrant{Assertion: "a"})

		var trErr *TransportError
		require.ErrorAs(t, err, &trErr)
		assert.Equal(t, TransportConnection, trErr.Kind)
	})

	t.Run("should report timeouts", func(t *testing.T) {
		release := make(chan struct{})
		transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		defer close(release)

		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := transport.Exchange(ctx, AssertionGrant{Assertion: "a"})

		var trErr *TransportError
		require.ErrorAs(t, err, &trErr)
		assert.True(t, trErr.Timeout())
	})
}

func TestHTTPTransport_ServerTime(t *testing.T) {
	serverDate := time.Date(2024, time.May, 2, 10, 30, 0, 0, time.UTC)
	transport := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Date", serverDate.Format(http.TimeFormat))
	})

	ts, err := transport.ServerTime(context.Background())
	require.NoError(t, err)
	assert.True(t, serverDate.Equal(ts))
}
