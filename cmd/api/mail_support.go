package main

import (
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/todo-backend/internal/config"
	"github.com/yourusername/todo-backend/internal/mail"
)

// setupMail はメール配送キューと配送記録ストアを初期化します。
func setupMail(cfg *config.Config, logger *log.Logger) (*mail.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opt)
	ttlHours := cfg.MailRecordExpireHours
	if ttlHours <= 0 {
		ttlHours = 24
	}
	store := mail.NewStore(redisClient, time.Duration(ttlHours)*time.Hour)
	return mail.NewManager(cfg, store, logger)
}
