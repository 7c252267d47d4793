package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/brifyai/dashboard-brify-sub001/internal/middleware"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	loginPage         = parsePage("login.html")
	passwordResetPage = parsePage("password_reset.html")
	dashboardPage     = parsePage("dashboard.html")
)

// parsePage はレイアウトとページ本体を組み合わせたテンプレートを返す。
func parsePage(name string) *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+name))
}

// render はテンプレートをバッファに描画してから書き込む。
// 描画に失敗した場合は途中までのHTMLを返さず500にする。
func render(w http.ResponseWriter, logger *slog.Logger, status int, page *template.Template, data any) {
	var buf bytes.Buffer
	if err := page.ExecuteTemplate(&buf, "layout", data); err != nil {
		logger.Error("failed to render page", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
