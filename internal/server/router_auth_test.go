package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingTokenValidator struct {
	subject string
	err     error
	seen    []string
}

func (r *recordingTokenValidator) ValidateToken(token string) (string, error) {
	r.seen = append(r.seen, token)
	if r.err != nil {
		return "", r.err
	}
	return r.subject, nil
}

// authorize runs the bearer middleware on its own and returns the gin context so callers
// can inspect whether it aborted.
func authorize(t *testing.T, handler *httpHandler, target, header string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ginContext, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if header != "" {
		request.Header.Set("Authorization", header)
	}
	ginContext.Request = request
	handler.authorizeRequest(ginContext)
	return ginContext, recorder
}

func TestAuthorizeRequestLogsRejectedTokens(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantLevel zapcore.Level
	}{
		{name: "expired", err: jwt.ErrTokenExpired, wantLevel: zapcore.InfoLevel},
		{name: "wrapped-expired", err: errors.Join(jwt.ErrTokenInvalidClaims, jwt.ErrTokenExpired), wantLevel: zapcore.InfoLevel},
		{name: "signature", err: jwt.ErrTokenSignatureInvalid, wantLevel: zapcore.WarnLevel},
		{name: "unexpected", err: errors.New("validator offline"), wantLevel: zapcore.WarnLevel},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{tokens: &recordingTokenValidator{err: testCase.err}, logger: zap.New(core)}

			_, recorder := authorize(t, handler, "/notes", "Bearer rejected-token")

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", recorder.Code)
			}
			entries := logs.FilterMessage("token validation failed").All()
			if len(entries) != 1 || logs.Len() != 1 {
				t.Fatalf("expected one validation log entry, got %d of %d", len(entries), logs.Len())
			}
			if entries[0].Level != testCase.wantLevel {
				t.Fatalf("expected level %s, got %s", testCase.wantLevel, entries[0].Level)
			}
			logged, ok := entries[0].ContextMap()["error"].(string)
			if !ok || logged != testCase.err.Error() {
				t.Fatalf("expected the validation error in the entry, got %v", entries[0].ContextMap())
			}
		})
	}
}

func TestAuthorizeRequestStoresSubject(t *testing.T) {
	testCases := []struct {
		name      string
		target    string
		header    string
		wantToken string
	}{
		{name: "header", target: "/notes", header: "Bearer header-token", wantToken: "header-token"},
		{name: "query", target: "/notes/stream?access_token=query-token", wantToken: "query-token"},
		{name: "header-wins-over-query", target: "/notes/stream?access_token=query-token", header: "Bearer header-token", wantToken: "header-token"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			validator := &recordingTokenValidator{subject: "user-7"}
			handler := &httpHandler{tokens: validator, logger: zap.NewNop()}

			ginContext, recorder := authorize(t, handler, testCase.target, testCase.header)

			if ginContext.IsAborted() {
				t.Fatalf("expected request to pass, got status %d", recorder.Code)
			}
			if len(validator.seen) != 1 || validator.seen[0] != testCase.wantToken {
				t.Fatalf("expected %q to be validated, got %v", testCase.wantToken, validator.seen)
			}
			if subject := ginContext.GetString(userIDContextKey); subject != "user-7" {
				t.Fatalf("expected subject in context, got %q", subject)
			}
		})
	}
}

func TestAuthorizeRequestRejectsMalformedHeader(t *testing.T) {
	testCases := []struct {
		name   string
		header string
		target string
	}{
		{name: "missing", target: "/notes"},
		{name: "basic-scheme", header: "Basic abc", target: "/notes?access_token=ignored"},
		{name: "empty-bearer", header: "Bearer   ", target: "/notes"},
		{name: "blank-query", target: "/notes/stream?access_token=%20"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			validator := &recordingTokenValidator{subject: "user-1"}
			handler := &httpHandler{tokens: validator, logger: zap.NewNop()}

			_, recorder := authorize(t, handler, testCase.target, testCase.header)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected unauthorized, got %d", recorder.Code)
			}
			if len(validator.seen) != 0 {
				t.Fatalf("validator must not be called, saw %v", validator.seen)
			}
		})
	}
}
