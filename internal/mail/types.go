package mail

import "time"

// Status はメール配送の状態を表します。
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusFailed Status = "error"
)

// Record はメール配送の現在状態を表します。
// 本文やトークンは保存せず、運用確認に必要な情報のみを持ちます。
type Record struct {
	MailID    string    `json:"mailId"`
	To        string    `json:"to"`
	Kind      string    `json:"kind"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
