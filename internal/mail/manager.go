// Package mail はパスワードリセットメールの非同期配送を提供します。
// 実際のSMTP送信は外部の配送チャネルに委ねる前提で、
// ワーカーは配送内容の整形と配送記録の管理までを担当します。
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/todo-backend/internal/config"
)

const (
	taskTypePasswordReset = "mail:password_reset"

	kindPasswordReset = "password_reset"
)

// Manager はメールジョブの投入と状態管理を担います。
type Manager struct {
	cfg    *config.Config
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	logger *log.Logger
}

// TaskPayload はパスワードリセットメールジョブのペイロードです。
type TaskPayload struct {
	MailID string `json:"mailId"`
	To     string `json:"to"`
	Token  string `json:"token"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *Store, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				"mail": 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:    cfg,
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		logger: logger,
	}
	mux.HandleFunc(taskTypePasswordReset, manager.handlePasswordResetTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// EnqueuePasswordReset はリセットメールの配送ジョブを投入し、メールIDを返します。
func (m *Manager) EnqueuePasswordReset(ctx context.Context, to, token string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("recipient is required")
	}
	if token == "" {
		return "", fmt.Errorf("token is required")
	}

	mailID := uuid.NewString()
	record := &Record{
		MailID: mailID,
		To:     to,
		Kind:   kindPasswordReset,
		Status: StatusQueued,
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return "", err
	}

	body, err := json.Marshal(&TaskPayload{
		MailID: mailID,
		To:     to,
		Token:  token,
	})
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypePasswordReset, body, asynq.Queue("mail"))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		return "", err
	}
	return mailID, nil
}

// GetRecord は配送記録を取得します。
func (m *Manager) GetRecord(ctx context.Context, mailID string) (*Record, error) {
	return m.store.Get(ctx, mailID)
}

func (m *Manager) handlePasswordResetTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.MailID == "" {
		return fmt.Errorf("missing mailId in payload")
	}

	// SMTP配送は外部コラボレーターの責務。ここでは配送内容を整形してログに残す
	m.logger.Printf("password reset mail to=%s subject=%q body=%q",
		payload.To, passwordResetSubject, PasswordResetBody(payload.Token))

	if err := m.store.MarkSent(ctx, payload.MailID); err != nil {
		m.logger.Printf("failed to mark mail sent id=%s: %v", payload.MailID, err)
	}
	return nil
}

const passwordResetSubject = "パスワード再設定のご案内"

// PasswordResetBody はリセットメールの本文を組み立てます。
func PasswordResetBody(token string) string {
	return fmt.Sprintf(
		"以下のトークンを使ってパスワードを再設定してください。\nトークン: %s\nこのトークンの有効期限は発行から1時間です。",
		token,
	)
}
