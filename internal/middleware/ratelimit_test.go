package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		SignInRate:      1,
		SignInBurst:     3,
		CleanupInterval: time.Minute,
	}
}

func requestAs(method, path, userID, remoteAddr string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	return req
}

// --- GeneralMiddleware ---

func TestGeneralRateLimit_AllowsBurstThenRejects(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/me", "user-1", ""))
		statuses = append(statuses, w.Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Errorf("first two statuses = %v, want 200", statuses[:2])
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third status = %d, want 429", statuses[2])
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestGeneralRateLimit_IsolatesUsers(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, requestAs(http.MethodGet, "/api/me", "user-a", ""))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestAs(http.MethodGet, "/api/me", "user-b", ""))

	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Errorf("statuses = %d, %d; want 200 for both users", w1.Code, w2.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestGeneralRateLimit_NoUserID_Returns401(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/me", "", ""))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- SignInMiddleware ---

func TestSignInRateLimit_ThreeAttemptsAllowedByDefaultBurst(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	calls := 0
	handler := rl.SignInMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodPost, "/login", "", "192.0.2.10:5000"))
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("attempt %d was rate limited", i+1)
		}
	}
	if calls != 3 {
		t.Errorf("handler calls = %d, want 3", calls)
	}
}

func TestSignInRateLimit_PerClientIP(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testRateLimiterConfig()
	cfg.SignInBurst = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.SignInMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	serve := func(remote string) int {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodPost, "/login", "", remote))
		return w.Code
	}

	if got := serve("192.0.2.1:1000"); got != http.StatusOK {
		t.Errorf("first attempt status = %d, want 200", got)
	}
	// ポートが違っても同一IPとして扱う
	if got := serve("192.0.2.1:2000"); got != http.StatusTooManyRequests {
		t.Errorf("second attempt status = %d, want 429", got)
	}
	if got := serve("192.0.2.2:1000"); got != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", got)
	}
}

func TestSignInRateLimit_SafeMethodsNotLimited(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testRateLimiterConfig()
	cfg.SignInBurst = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.SignInMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/login", "", "192.0.2.1:1000"))
		if w.Code != http.StatusOK {
			t.Fatalf("GET %d status = %d, want 200", i, w.Code)
		}
	}
	if rl.SignInLimiterCount() != 0 {
		t.Errorf("SignInLimiterCount() = %d, want 0", rl.SignInLimiterCount())
	}
}

func TestSignInRateLimit_TrustForwardedFor(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testRateLimiterConfig()
	cfg.SignInBurst = 1
	cfg.TrustForwardedFor = true
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.SignInMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, xff := range []string{"203.0.113.5, 10.0.0.1", "203.0.113.6"} {
		req := requestAs(http.MethodPost, "/login", "", "10.0.0.1:1000")
		req.Header.Set("X-Forwarded-For", xff)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("X-Forwarded-For %q status = %d, want 200", xff, w.Code)
		}
	}
}

// --- レスポンス・クリーンアップ ---

func TestRateLimit_429ResponseHasRetryAfterAndJSON(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testRateLimiterConfig()
	cfg.SignInRate = 10.0 / 60.0
	cfg.SignInBurst = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.SignInMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodPost, "/login", "", "192.0.2.1:1"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodPost, "/login", "", "192.0.2.1:1"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter != 6 {
		t.Errorf("Retry-After = %q, want 6", w.Header().Get("Retry-After"))
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want RATE_LIMIT_EXCEEDED", body.Code)
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	rl.general.get("user-old")
	rl.signIn.get("192.0.2.1")

	rl.general.evict(time.Now().Add(time.Hour), time.Minute)
	rl.signIn.evict(time.Now().Add(time.Hour), time.Minute)

	if rl.GeneralLimiterCount() != 0 || rl.SignInLimiterCount() != 0 {
		t.Errorf("counts = %d, %d; want 0, 0", rl.GeneralLimiterCount(), rl.SignInLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	rl := NewRateLimiter(testRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}
