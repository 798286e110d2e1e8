package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const mailKeyPrefix = "mail:"

// Store はメール配送記録を Redis に保存します。記録はTTL付きで自動的に消えます。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get は配送記録を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, mailID string) (*Record, error) {
	if mailID == "" {
		return nil, fmt.Errorf("mailID is required")
	}
	data, err := s.rdb.Get(ctx, mailKey(mailID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert は配送記録を保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, mailKey(record.MailID), payload, s.ttl).Err()
}

// MarkSent は配送完了を記録します。
func (s *Store) MarkSent(ctx context.Context, mailID string) error {
	return s.updatePartial(ctx, mailID, func(record *Record) {
		record.Status = StatusSent
		record.Error = ""
	})
}

// MarkFailed は配送失敗を記録します。
func (s *Store) MarkFailed(ctx context.Context, mailID, message string) error {
	return s.updatePartial(ctx, mailID, func(record *Record) {
		record.Status = StatusFailed
		record.Error = message
	})
}

func (s *Store) updatePartial(ctx context.Context, mailID string, mutate func(*Record)) error {
	key := mailKey(mailID)
	for {
		tx := s.rdb.TxPipeline()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("mail record not found: %s", mailID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		tx.Set(ctx, key, payload, s.ttl)
		_, err = tx.Exec(ctx)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

func mailKey(id string) string {
	return mailKeyPrefix + id
}
