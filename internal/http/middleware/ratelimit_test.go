package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"
)

func TestKeyByIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	if key := KeyByIdentity()(c); !strings.HasPrefix(key, "ip:") || !strings.Contains(key, "203.0.113.9") {
		t.Fatalf("expected ip key, got %q", key)
	}
	c.Set(ctxKeyUserID, "a1")
	if key := KeyByIdentity()(c); key != "user:a1" {
		t.Fatalf("expected user key, got %q", key)
	}
}

func TestNewRateLimiter_DefaultsAndReuse(t *testing.T) {
	rl := NewRateLimiter(2, 0, nil)
	if rl.burst != 1 || rl.keyFn == nil {
		t.Fatalf("defaults not applied: burst=%d keyFn nil=%v", rl.burst, rl.keyFn == nil)
	}
	now := time.Now()
	lim := rl.limiter("k1", now)
	if rl.limiter("k1", now) != lim {
		t.Fatalf("expected bucket reuse")
	}
	if rl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_SweepDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.sweepEvery = 2
	now := time.Now()

	rl.mu.Lock()
	rl.visitors["idle"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: now.Add(-time.Hour)}
	rl.visitors["fresh"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: now}
	rl.mu.Unlock()

	rl.limiter("fresh", now)
	if rl.Len() != 2 {
		t.Fatalf("sweep ran early")
	}
	rl.limiter("new", now)

	rl.mu.Lock()
	_, idle := rl.visitors["idle"]
	_, fresh := rl.visitors["fresh"]
	rl.mu.Unlock()
	if idle || !fresh {
		t.Fatalf("sweep result idle=%v fresh=%v", idle, fresh)
	}
}

func TestRateLimiter_PerCallerBucketsAndRejection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.5, 1, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header(requestIDHeader, "rid-1")
		c.Set(ctxKeyUserID, c.GetHeader(HeaderUserID))
		c.Next()
	})
	r.Use(rl.Handler())
	r.POST("/rooms/:id/messages", func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func(user string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/rooms/r1/messages", nil)
		req.Header.Set(HeaderUserID, user)
		r.ServeHTTP(w, req)
		return w
	}

	base := testutil.ToFloat64(rateLimited.WithLabelValues("/rooms/:id/messages"))
	if w := send("c1"); w.Code != http.StatusCreated {
		t.Fatalf("first send -> %d", w.Code)
	}
	w := send("c1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second send -> %d, want 429", w.Code)
	}
	// 0.5 tokens per second means a two second wait.
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["code"] != "rate_limited" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body: %v", body)
	}
	if got := testutil.ToFloat64(rateLimited.WithLabelValues("/rooms/:id/messages")); got != base+1 {
		t.Fatalf("rate limited counter = %v, want %v", got, base+1)
	}

	// Another caller has its own bucket.
	if w := send("c2"); w.Code != http.StatusCreated {
		t.Fatalf("other caller -> %d", w.Code)
	}
}

func TestRateLimiter_BypassAndSkip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.001, 1, func(*gin.Context) string { return "shared" })
	rl.Skip = func(c *gin.Context) bool { return strings.HasSuffix(c.FullPath(), "/typing") }

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Replay") != "" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	})
	r.Use(rl.Handler())
	r.POST("/rooms/:id/messages", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.POST("/rooms/:id/typing", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(path string, replay bool) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if replay {
			req.Header.Set("X-Replay", "1")
		}
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do("/rooms/r1/messages", false); code != http.StatusCreated {
		t.Fatalf("first -> %d", code)
	}
	if code := do("/rooms/r1/messages", false); code != http.StatusTooManyRequests {
		t.Fatalf("exhausted bucket -> %d", code)
	}
	if code := do("/rooms/r1/messages", true); code != http.StatusCreated {
		t.Fatalf("replay should bypass, got %d", code)
	}
	for i := 0; i < 5; i++ {
		if code := do("/rooms/r1/typing", false); code != http.StatusNoContent {
			t.Fatalf("typing should be skipped, got %d", code)
		}
	}
}

func TestIsRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if IsRateBypass(c) {
		t.Fatalf("expected false by default")
	}
	c.Set(ctxKeyRateBypass, true)
	if !IsRateBypass(c) {
		t.Fatalf("expected true when set")
	}
	c.Set(ctxKeyRateBypass, "yes")
	if IsRateBypass(c) {
		t.Fatalf("expected false for non-bool")
	}
}
