package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/addonlink/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  StaticToken
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.stored.Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)

	if tok, err := BearerToken("Bearer  s3cret "); err != nil || tok != "s3cret" {
		t.Fatalf("unexpected token=%q err=%v", tok, err)
	}
	if tok, err := BearerToken("bearer abc"); err != nil || tok != "abc" {
		t.Fatalf("scheme should be case insensitive: token=%q err=%v", tok, err)
	}
	for _, header := range []string{"", "Bearer", "Bearer   ", "Basic abc"} {
		if _, err := BearerToken(header); !errors.Is(err, ErrMissingToken) {
			t.Fatalf("header %q: expected ErrMissingToken, got %v", header, err)
		}
	}
}

func TestRequireMiddleware(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/guarded", Require(StaticToken("abc")), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	cases := map[string]int{
		"":            http.StatusUnauthorized,
		"Bearer nope": http.StatusUnauthorized,
		"Bearer abc":  http.StatusNoContent,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("header %q: expected %d, got %d", header, want, rec.Code)
		}
	}
}
