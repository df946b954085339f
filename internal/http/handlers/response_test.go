package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/support-chat/internal/services"
)

func Test_fail_500_LogsAndBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom")
	})
	r.GET("/missing", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "nope")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if w.Code != http.StatusInternalServerError || resp != (ErrorResponse{RequestID: "rid-500", Code: "internal_error", Message: "kaboom"}) {
		t.Fatalf("unexpected response %d %+v", w.Code, resp)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}

	buf.Reset()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if w.Code != http.StatusNotFound || buf.Len() != 0 {
		t.Fatalf("4xx must not log: status=%d log=%q", w.Code, buf.String())
	}
}

func Test_serviceError_Mapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		err    error
		status int
		code   string
		field  string
	}{
		{"validation", &services.ValidationError{Field: "subject", Reason: "required"}, http.StatusBadRequest, ErrCodeValidation, "subject"},
		{"wrapped validation", fmt.Errorf("create: %w", &services.ValidationError{Field: "tags", Reason: "too many"}), http.StatusBadRequest, ErrCodeValidation, "tags"},
		{"room not found", services.ErrRoomNotFound, http.StatusNotFound, ErrCodeNotFound, ""},
		{"message not found", services.ErrMessageNotFound, http.StatusNotFound, ErrCodeNotFound, ""},
		{"room closed", services.ErrRoomClosed, http.StatusConflict, ErrCodeRoomClosed, ""},
		{"concurrency", services.ErrConcurrency, http.StatusConflict, ErrCodeConflict, ""},
		{"unauthorized", fmt.Errorf("%w: agents only", services.ErrUnauthorized), http.StatusForbidden, ErrCodeForbidden, ""},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout, ""},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/x", func(c *gin.Context) { serviceError(c, tc.err) })
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			var er ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
				t.Fatalf("json: %v", err)
			}
			if er.Code != tc.code || er.Field != tc.field || er.Message == "" {
				t.Fatalf("body = %+v, want code=%s field=%q", er, tc.code, tc.field)
			}
		})
	}

	t.Run("canceled", func(t *testing.T) {
		r := gin.New()
		r.GET("/x", func(c *gin.Context) { serviceError(c, context.Canceled) })
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != 499 || w.Body.Len() != 0 {
			t.Fatalf("canceled: %d %q", w.Code, w.Body.String())
		}
	})
}

func Test_SuccessHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", func(c *gin.Context) { ok(c, http.StatusCreated, gin.H{"n": 1}) })
	r.DELETE("/gone", func(c *gin.Context) { noContent(c) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusCreated || strings.TrimSpace(w.Body.String()) != `{"n":1}` {
		t.Fatalf("ok: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/gone", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent: %d %q", w.Code, w.Body.String())
	}
}
