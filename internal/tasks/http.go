// Package tasks はタスクCRUDのHTTPハンドラーを提供します。
// 全ての参照・更新はログイン中のユーザーの所有範囲に限定され、
// 他人のタスクは存在しないタスクと同じ応答になります。
package tasks

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/todo-backend/internal/auth"
	"github.com/yourusername/todo-backend/internal/config"
	"github.com/yourusername/todo-backend/internal/models"
	"github.com/yourusername/todo-backend/internal/storage/sqlite"
)

// Store はタスク行へのアクセスを抽象化します。実装は storage/sqlite です。
type Store interface {
	ListTasksForUser(ctx context.Context, userID int64, f models.TaskFilters) ([]models.Task, error)
	CreateTask(ctx context.Context, t *models.Task) (int64, error)
	FindTaskForUser(ctx context.Context, id, userID int64) (*models.Task, error)
	UpdateTask(ctx context.Context, id, userID int64, changes models.TaskChanges) error
	SoftDeleteTask(ctx context.Context, id, userID int64) error
	ToggleTaskComplete(ctx context.Context, id, userID int64) (*models.Task, error)
}

// CSRFValidator は更新系リクエストのCSRFトークン検証を抽象化します。
type CSRFValidator interface {
	ValidateCSRF(c *gin.Context, bodyToken string) bool
}

// Handler はタスクAPIのハンドラー群です。
type Handler struct {
	cfg    *config.Config
	store  Store
	csrf   CSRFValidator
	logger *log.Logger
}

// NewHandler はタスクハンドラーを作成します。
func NewHandler(cfg *config.Config, store Store, csrf CSRFValidator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{cfg: cfg, store: store, csrf: csrf, logger: logger}
}

type createRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Priority    int    `json:"priority"`
	Category    string `json:"category"`
	CSRFToken   string `json:"csrf_token"`
}

type updateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	DueDate     *string `json:"due_date"`
	Priority    *int    `json:"priority"`
	IsCompleted *bool   `json:"is_completed"`
	Category    *string `json:"category"`
	CSRFToken   string  `json:"csrf_token"`
}

// tokenOnlyRequest はDELETEやトグルのようにボディが任意のリクエスト用です。
type tokenOnlyRequest struct {
	CSRFToken string `json:"csrf_token"`
}

// List は GET /tasks のハンドラーです。クエリ文字列でフィルタを指定できます。
func (h *Handler) List(c *gin.Context) {
	filters := models.TaskFilters{
		Category:      c.Query("category"),
		Search:        c.Query("search"),
		SortBy:        c.Query("sort_by"),
		SortDirection: c.Query("sort_direction"),
	}

	if raw := c.Query("is_completed"); raw != "" {
		completed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "is_completed の値が不正です。",
			})
			return
		}
		filters.IsCompleted = &completed
	}

	if raw := c.Query("priority"); raw != "" {
		priority, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "priority の値が不正です。",
			})
			return
		}
		filters.Priority = &priority
	}

	if raw := c.Query("overdue"); raw == "1" || strings.EqualFold(raw, "true") {
		filters.Overdue = true
	}

	list, err := h.store.ListTasksForUser(c.Request.Context(), userID(c), filters)
	if err != nil {
		h.internalError(c, "タスクの取得中にエラーが発生しました。", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    list,
	})
}

// Create は POST /tasks/create のハンドラーです。
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "入力内容に誤りがあります。",
		})
		return
	}

	if !h.csrf.ValidateCSRF(c, req.CSRFToken) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "不正なリクエストです。",
		})
		return
	}

	if !validTitle(req.Title) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "タイトルは1〜255文字で入力してください。",
		})
		return
	}

	dueDate, err := parseDueDate(req.DueDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "期限の形式が正しくありません。",
		})
		return
	}

	task := &models.Task{
		UserID:      userID(c),
		Title:       req.Title,
		Description: req.Description,
		DueDate:     dueDate,
		Priority:    req.Priority,
		Category:    req.Category,
	}

	taskID, err := h.store.CreateTask(c.Request.Context(), task)
	if err != nil {
		h.internalError(c, "タスクの作成中にエラーが発生しました。", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "タスクを作成しました。",
		"task_id": taskID,
	})
}

// Show は GET /tasks/:id のハンドラーです。
func (h *Handler) Show(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	task, err := h.store.FindTaskForUser(c.Request.Context(), id, userID(c))
	if errors.Is(err, sqlite.ErrNotFound) {
		h.notFound(c)
		return
	}
	if err != nil {
		h.internalError(c, "タスクの取得中にエラーが発生しました。", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    task,
	})
}

// Update は PUT /tasks/:id のハンドラーです。
// 指定されたフィールドのみを更新します。
func (h *Handler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "入力内容に誤りがあります。",
		})
		return
	}

	if !h.csrf.ValidateCSRF(c, req.CSRFToken) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "不正なリクエストです。",
		})
		return
	}

	if req.Title != nil && !validTitle(*req.Title) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "タイトルは1〜255文字で入力してください。",
		})
		return
	}

	changes := models.TaskChanges{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		IsCompleted: req.IsCompleted,
		Category:    req.Category,
	}
	if req.DueDate != nil {
		if *req.DueDate == "" {
			changes.ClearDue = true
		} else {
			dueDate, err := parseDueDate(*req.DueDate)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"success": false,
					"message": "期限の形式が正しくありません。",
				})
				return
			}
			changes.DueDate = dueDate
		}
	}

	err := h.store.UpdateTask(c.Request.Context(), id, userID(c), changes)
	if errors.Is(err, sqlite.ErrNotFound) {
		h.notFound(c)
		return
	}
	if err != nil {
		h.internalError(c, "タスクの更新中にエラーが発生しました。", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "タスクを更新しました。",
	})
}

// Delete は DELETE /tasks/:id のハンドラーです。行は残したまま削除済みマークを付けます。
func (h *Handler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if !h.csrf.ValidateCSRF(c, optionalBodyToken(c)) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "不正なリクエストです。",
		})
		return
	}

	err := h.store.SoftDeleteTask(c.Request.Context(), id, userID(c))
	if errors.Is(err, sqlite.ErrNotFound) {
		h.notFound(c)
		return
	}
	if err != nil {
		h.internalError(c, "タスクの削除中にエラーが発生しました。", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "タスクを削除しました。",
	})
}

// Toggle は POST /tasks/:id/toggle のハンドラーです。
// 完了状態の反転と completed_at の設定はトランザクション内で行われます。
func (h *Handler) Toggle(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if !h.csrf.ValidateCSRF(c, optionalBodyToken(c)) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "不正なリクエストです。",
		})
		return
	}

	task, err := h.store.ToggleTaskComplete(c.Request.Context(), id, userID(c))
	if errors.Is(err, sqlite.ErrNotFound) {
		h.notFound(c)
		return
	}
	if err != nil {
		h.internalError(c, "タスクの状態更新中にエラーが発生しました。", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "タスクの状態を更新しました。",
		"data":    task,
	})
}

// userID は RequireLogin ミドルウェアが設定したユーザーIDを取り出します。
func userID(c *gin.Context) int64 {
	return c.GetInt64(auth.ContextUserIDKey)
}

// parseID はパスパラメータのIDを検証します。不正な場合は404を返します。
// IDの形式エラーも「見つからない」として扱い、情報を与えません。
func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "タスクが見つかりません。",
		})
		return 0, false
	}
	return id, true
}

// optionalBodyToken はボディが任意のリクエストから csrf_token を取り出します。
func optionalBodyToken(c *gin.Context) string {
	var req tokenOnlyRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	return req.CSRFToken
}

func validTitle(title string) bool {
	length := utf8.RuneCountInString(title)
	return length >= 1 && length <= 255
}

// parseDueDate は日付のみ・日時・RFC3339の順で解釈を試みます。
func parseDueDate(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New("unsupported date format: " + raw)
}

func (h *Handler) notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"message": "タスクが見つかりません。",
	})
}

func (h *Handler) internalError(c *gin.Context, message string, err error) {
	h.logger.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	if h.cfg.Debug {
		message = err.Error()
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"message": message,
	})
}
