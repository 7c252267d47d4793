package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/guard"
	"github.com/brifyai/dashboard-brify-sub001/internal/middleware"
	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// ProfileLoader はセッションに対応するユーザーレコードを取得する。profile.Loader が実装する。
type ProfileLoader interface {
	LoadProfile(ctx context.Context, sess *model.Session) (*model.UserRecord, error)
}

// DashboardHandler はGuard配下の画面とAPIのハンドラー。
type DashboardHandler struct {
	profiles ProfileLoader
	logger   *slog.Logger
}

// NewDashboardHandler はDashboardHandlerを生成する。
func NewDashboardHandler(profiles ProfileLoader, logger *slog.Logger) *DashboardHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DashboardHandler{profiles: profiles, logger: logger}
}

type dashboardView struct {
	CSRFToken string
	Email     string
	Profile   *model.UserRecord
	Error     *model.APIError
}

// sessionResponse はセッション情報のレスポンス。トークンは含めない。
type sessionResponse struct {
	SubjectID string    `json:"subject_id"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type profileResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Show はダッシュボードを表示する。
// プロフィールが見つからない場合もエラー画面ではなく「プロフィールなし」の表示で200を返す。
// GET /
func (h *DashboardHandler) Show(w http.ResponseWriter, r *http.Request) {
	sess, ok := guard.SessionFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	view := dashboardView{
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		Email:     sess.Email,
	}
	status := http.StatusOK

	rec, err := h.profiles.LoadProfile(r.Context(), sess)
	switch {
	case err == nil:
		view.Profile = rec
	case errors.Is(err, model.ErrProfileNotFound):
		view.Error = model.NewProfileNotFoundError()
	default:
		h.logger.Error("failed to load profile",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("subject_id", sess.SubjectID),
			slog.String("error", err.Error()),
		)
		apiErr := model.APIErrorFor(err)
		if apiErr == nil {
			apiErr = model.NewInternalError()
		}
		view.Error = apiErr
		status = middleware.StatusForAPIError(apiErr)
	}

	render(w, h.logger, status, dashboardPage, view)
}

// Session は確定したセッションの情報を返す。
// GET /api/session
func (h *DashboardHandler) Session(w http.ResponseWriter, r *http.Request) {
	sess, ok := guard.SessionFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, sessionResponse{
		SubjectID: sess.SubjectID,
		Email:     sess.Email,
		IssuedAt:  sess.IssuedAt,
		ExpiresAt: sess.ExpiresAt,
	})
}

// Me はログインユーザーのプロフィールを返す。
// GET /api/me
func (h *DashboardHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess, ok := guard.SessionFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	rec, err := h.profiles.LoadProfile(r.Context(), sess)
	if err != nil {
		if !errors.Is(err, model.ErrProfileNotFound) {
			h.logger.Error("failed to load profile",
				slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
				slog.String("subject_id", sess.SubjectID),
				slog.String("error", err.Error()),
			)
		}
		middleware.WriteDomainError(w, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, profileResponse{
		ID:        rec.ID,
		Email:     rec.Email,
		Name:      rec.Name,
		Role:      rec.Role,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write JSON response", slog.String("error", err.Error()))
	}
}
