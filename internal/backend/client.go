// Package backend はホスト型バックエンド（認証サービスとREST形式のテーブルAPI）の
// クライアントを提供する。
//
// レスポンスはテーブルごとに明示的な型へデコードし、ネットワーク境界で検証する。
// 通信失敗・5xx・429 はすべて model.ErrNetwork にラップして返す。
package backend

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
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
	"github.com/go-playground/validator/v10"
)

const (
	// defaultTimeout はバックエンド呼び出しの既定タイムアウト。
	defaultTimeout = 10 * time.Second
	// maxErrorBodySize はエラーレスポンスとして読み取る最大バイト数。
	maxErrorBodySize = 64 * 1024
)

// RequestObserver はバックエンド呼び出しの結果を受け取る。
// metrics.Collector が実装する。
type RequestObserver interface {
	ObserveBackendRequest(endpoint string, statusCode int, duration time.Duration)
}

// Config はバックエンドクライアントの設定。
type Config struct {
	BaseURL   string
	APIKey    string
	JWTSecret string // 空の場合アクセストークンの署名検証は行わない
	Timeout   time.Duration
}

// Client はバックエンドのREST APIクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	tokens     *TokenParser
	validate   *validator.Validate
	logger     *slog.Logger
	observer   RequestObserver
}

// NewClient はClientを生成する。
// httpClientがnilの場合はConfig.Timeoutを設定したクライアントを使用する。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		tokens:     NewTokenParser(cfg.JWTSecret),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
	}
}

// SetObserver はリクエスト結果の観測者を設定する。
func (c *Client) SetObserver(o RequestObserver) {
	c.observer = o
}

// Error はバックエンドが返した分類外のエラーレスポンスを表す。
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return fmt.Sprintf("backend returned status %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// errorPayload はバックエンドのエラーボディ。
// {"error":{"code":..,"message":..}} とフラットな {"code":..,"message":..} の両方を受け付ける。
type errorPayload struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// request はJSONリクエストを実行し、2xxの場合はresultへデコードする。
// bearerが空でなければAuthorizationヘッダーに設定する。
func (c *Client) request(ctx context.Context, endpoint, method, path string, query url.Values, bearer string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(endpoint, 0, time.Since(start))
		c.logger.Warn("backend request failed",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s: %w: %v", endpoint, model.ErrNetwork, err)
	}
	defer resp.Body.Close()
	c.observe(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(endpoint, resp)
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// decodeError はエラーステータスを分類してエラーに変換する。
func (c *Client) decodeError(endpoint string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)
	code, message := payload.Code, payload.Message
	if payload.Error != nil {
		code, message = payload.Error.Code, payload.Error.Message
	}

	switch classifyStatus(resp.StatusCode) {
	case statusRetryable:
		c.logger.Warn("backend unavailable",
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%s: %w: status %d", endpoint, model.ErrNetwork, resp.StatusCode)
	case statusRejected:
		if sentinel := classifyCode(code); sentinel != nil {
			return fmt.Errorf("%s: %w", endpoint, sentinel)
		}
	}

	return &Error{StatusCode: resp.StatusCode, Code: code, Message: message}
}

func (c *Client) observe(endpoint string, statusCode int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveBackendRequest(endpoint, statusCode, d)
	}
}

// statusClass はHTTPステータスの分類。
type statusClass int

const (
	statusOK statusClass = iota
	// statusRejected はリクエスト内容が拒否されたことを示す（400/401/403/422）。
	statusRejected
	// statusRetryable は一時的な失敗（408/429/5xx）。
	statusRetryable
	// statusOther はその他のステータス。
	statusOther
)

// classifyStatus はHTTPステータスコードを分類する。
func classifyStatus(statusCode int) statusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return statusOK
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden, statusCode == http.StatusUnprocessableEntity:
		return statusRejected
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return statusRetryable
	case statusCode >= 500:
		return statusRetryable
	default:
		return statusOther
	}
}

// classifyCode はバックエンドのエラーコードを認証エラーの分類に変換する。
func classifyCode(code string) error {
	switch strings.ToLower(code) {
	case "invalid_credentials", "invalid_grant", "invalid_login_credentials":
		return model.ErrInvalidCredentials
	case "email_not_confirmed":
		return model.ErrEmailNotConfirmed
	case "session_expired", "refresh_token_not_found", "refresh_token_already_used", "session_not_found":
		return model.ErrSessionExpired
	default:
		return nil
	}
}

// IsRejected はerrがバックエンドによる分類外の拒否（4xx）かを返す。
func IsRejected(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.StatusCode >= 400 && be.StatusCode < 500
}
