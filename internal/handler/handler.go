// Package handler 實現 HTTP 層
//
// 路由設計：
//   - GET /{code}                        重定向（最高頻，路徑最短）
//   - /api/v1/links                      連結 CRUD
//   - /api/v1/analytics/...              統計查詢與隊列運維
//
// 使用 Go 1.22+ 的方法路由與路徑參數，不依賴框架。
//
// 身份策略：
//   - 重定向：永不驗證（匿名訪問是常態）
//   - 連結操作：Bearer 令牌可選，帶令牌時綁定擁有者
//   - 用戶統計：必須帶有效令牌
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koopa0/shortlink/internal/auth"
	"github.com/koopa0/shortlink/internal/shortlink"
)

// Handler HTTP 處理器，依賴注入核心管線的各組件
type Handler struct {
	service   *shortlink.Service
	resolver  *shortlink.Resolver
	recorder  *shortlink.Recorder
	flusher   *shortlink.Flusher
	analytics *shortlink.Analytics
	verifier  auth.Verifier
	logger    *slog.Logger
}

// New 創建 Handler 實例
func New(
	service *shortlink.Service,
	resolver *shortlink.Resolver,
	recorder *shortlink.Recorder,
	flusher *shortlink.Flusher,
	analytics *shortlink.Analytics,
	verifier auth.Verifier,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		service:   service,
		resolver:  resolver,
		recorder:  recorder,
		flusher:   flusher,
		analytics: analytics,
		verifier:  verifier,
		logger:    logger,
	}
}

// Routes 設置路由與中間件鏈
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 重定向：不用 /api 前綴，短網址應該儘量短
	mux.HandleFunc("GET /{code}", h.withMiddleware(h.redirect))

	// 連結管理
	mux.HandleFunc("POST /api/v1/links", h.withMiddleware(h.createLink))
	mux.HandleFunc("GET /api/v1/links", h.withMiddleware(h.listLinks))
	mux.HandleFunc("GET /api/v1/links/{id}", h.withMiddleware(h.getLink))
	mux.HandleFunc("PATCH /api/v1/links/{id}", h.withMiddleware(h.renameLink))
	mux.HandleFunc("DELETE /api/v1/links/{id}", h.withMiddleware(h.deleteLink))

	// 統計
	mux.HandleFunc("GET /api/v1/analytics/links/{id}", h.withMiddleware(h.linkAnalytics))
	mux.HandleFunc("GET /api/v1/analytics/user", h.withMiddleware(h.requireAuth(h.userAnalytics)))

	// 隊列運維
	mux.HandleFunc("POST /api/v1/analytics/flush", h.withMiddleware(h.triggerFlush))
	mux.HandleFunc("GET /api/v1/analytics/queue", h.withMiddleware(h.queueDiagnostics))

	mux.HandleFunc("GET /health", h.health)

	return mux
}

// withMiddleware 應用中間件鏈（recovery 在最外層捕獲所有 panic）
func (h *Handler) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return h.recovery(h.logRequest(next))
}

// === 重定向 ===

// redirect 短碼重定向
//
// API: GET /{code}
// Response: 302 Found
//
// 訪問記錄是 fire-and-forget：Record 立即返回，
// 統計管線的任何故障都不會出現在這條響應路徑上。
//
// 302 而非 301：301 會被瀏覽器快取，後續訪問不經過服務器，統計就斷了。
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	target, linkID, err := h.resolver.Resolve(r.Context(), code)
	if err != nil {
		if errors.Is(err, shortlink.ErrNotFound) {
			h.errorJSON(w, "short link not found", http.StatusNotFound)
			return
		}
		h.logger.Error("resolve failed", "code", code, "error", err)
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.recorder.Record(code, linkID, shortlink.VisitMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	})

	http.Redirect(w, r, target, http.StatusFound)
}

// === 連結管理 ===

// createLink 創建短連結
//
// API: POST /api/v1/links
// Body: {"target": "https://...", "custom_code": "optional"}
func (h *Handler) createLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target     string `json:"target"`
		CustomCode string `json:"custom_code,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorJSON(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Target == "" {
		h.errorJSON(w, "target is required", http.StatusBadRequest)
		return
	}

	ownerID := h.identity(r)

	link, err := h.service.Shorten(r.Context(), req.Target, req.CustomCode, ownerID)
	if err != nil {
		h.writeServiceError(w, err, "create link")
		return
	}

	h.writeJSON(w, map[string]any{
		"id":         strconv.FormatInt(link.ID, 10),
		"code":       link.Code,
		"short_url":  buildShortURL(r, link.Code),
		"target":     link.Target,
		"created_at": link.CreatedAt.Format(time.RFC3339),
	}, http.StatusCreated)
}

// listLinks 列出連結（帶令牌時只列自己的）
//
// API: GET /api/v1/links?limit=50
func (h *Handler) listLinks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	links, err := h.service.List(r.Context(), h.identity(r), limit)
	if err != nil {
		h.logger.Error("list links failed", "error", err)
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]any{"links": links}, http.StatusOK)
}

// getLink 查詢單條連結
//
// API: GET /api/v1/links/{id}
func (h *Handler) getLink(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	link, err := h.service.Get(r.Context(), id, h.identity(r))
	if err != nil {
		h.writeServiceError(w, err, "get link")
		return
	}

	h.writeJSON(w, link, http.StatusOK)
}

// renameLink 重命名短碼
//
// API: PATCH /api/v1/links/{id}
// Body: {"code": "new-code"}
func (h *Handler) renameLink(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		h.errorJSON(w, "code is required", http.StatusBadRequest)
		return
	}

	link, err := h.service.Rename(r.Context(), id, req.Code, h.identity(r))
	if err != nil {
		h.writeServiceError(w, err, "rename link")
		return
	}

	h.writeJSON(w, link, http.StatusOK)
}

// deleteLink 刪除連結
//
// API: DELETE /api/v1/links/{id}
func (h *Handler) deleteLink(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id, h.identity(r)); err != nil {
		h.writeServiceError(w, err, "delete link")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// === 統計 ===

// linkAnalytics 單連結統計（已落盤 + 即時分開標示）
//
// API: GET /api/v1/analytics/links/{id}
func (h *Handler) linkAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	result, err := h.analytics.LinkAnalytics(r.Context(), id, h.identity(r))
	if err != nil {
		h.writeServiceError(w, err, "link analytics")
		return
	}

	h.writeJSON(w, result, http.StatusOK)
}

// userAnalytics 用戶級統計（需要身份）
//
// API: GET /api/v1/analytics/user
func (h *Handler) userAnalytics(w http.ResponseWriter, r *http.Request) {
	result, err := h.analytics.UserAnalytics(r.Context(), h.identity(r))
	if err != nil {
		h.logger.Error("user analytics failed", "error", err)
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, result, http.StatusOK)
}

// === 隊列運維 ===

// triggerFlush 手動觸發一次落盤（定時器之外的運維入口）
//
// API: POST /api/v1/analytics/flush
// 已有落盤進行中時返回 flushed=0（no-op，不是錯誤）。
func (h *Handler) triggerFlush(w http.ResponseWriter, r *http.Request) {
	flushed, err := h.flusher.Flush(r.Context())
	if err != nil {
		h.logger.Error("manual flush failed", "error", err)
		h.errorJSON(w, "flush failed, queue preserved", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]any{"flushed": flushed}, http.StatusOK)
}

// queueDiagnostics 隊列運維視圖（只讀）
//
// API: GET /api/v1/analytics/queue
func (h *Handler) queueDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag, err := h.analytics.QueueDiagnostics(r.Context())
	if err != nil {
		h.logger.Error("queue diagnostics failed", "error", err)
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, diag, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// === 身份 ===

// identity 從 Bearer 令牌提取用戶 ID（無令牌或無效時返回空串 = 匿名）
func (h *Handler) identity(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return ""
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		return ""
	}
	return userID
}

// requireAuth 要求有效的 Bearer 令牌
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.identity(r) == "" {
			h.errorJSON(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// === 工具函數 ===

// pathID 解析路徑中的連結 ID
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.errorJSON(w, "invalid link id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeServiceError 按錯誤類型映射 HTTP 狀態碼
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, shortlink.ErrInvalidURL):
		h.errorJSON(w, "invalid target url", http.StatusBadRequest)
	case errors.Is(err, shortlink.ErrInvalidCode):
		h.errorJSON(w, "invalid short code format", http.StatusBadRequest)
	case errors.Is(err, shortlink.ErrNotFound):
		h.errorJSON(w, "link not found", http.StatusNotFound)
	case errors.Is(err, shortlink.ErrCodeExists):
		h.errorJSON(w, "short code already exists", http.StatusConflict)
	case errors.Is(err, shortlink.ErrUnauthorized):
		h.errorJSON(w, "link owned by another user", http.StatusForbidden)
	default:
		h.logger.Error(op+" failed", "error", err)
		h.errorJSON(w, "internal server error", http.StatusInternalServerError)
	}
}

// writeJSON 寫入 JSON 響應
func (h *Handler) writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json failed", "error", err)
	}
}

// errorJSON 寫入錯誤響應（統一格式）
func (h *Handler) errorJSON(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, map[string]string{"error": message}, status)
}

// buildShortURL 構建完整的短網址
//
// 反向代理場景下優先取 X-Forwarded-Proto（客戶端到代理的原始協議），
// 直連時按 TLS 判斷。
func buildShortURL(r *http.Request, code string) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + "/" + code
}

// clientIP 提取客戶端 IP
//
// 代理場景取 X-Forwarded-For 的第一個地址（原始客戶端），
// 直連取 RemoteAddr 的 host 部分。
// 返回值只用於哈希，原始地址不落任何存儲。
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// === 中間件 ===

// logRequest 記錄請求日誌（方法、路徑、狀態碼、耗時、客戶端）
func (h *Handler) logRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(wrapped, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"ip", r.RemoteAddr,
		)
	}
}

// recovery 恢復 panic，防止單個請求搞掛整個服務
func (h *Handler) recovery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				h.errorJSON(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 http.ResponseWriter 以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
