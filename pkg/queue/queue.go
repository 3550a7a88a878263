package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/perflens/perflens/pkg/config"
)

// Provisioned queue names. Snapshot jobs for dashboards with checks go to
// the with-checks queue so their consumer can prioritize them.
const (
	QueueSnapshots           = "snapshotQueue"
	QueueSnapshotsWithChecks = "snapshotWithChecksQueue"
)

// ErrEmpty is returned by Get when no message is currently visible.
var ErrEmpty = errors.New("queue is empty")

// Message is one durable queue entry. A dequeued message stays invisible
// until its visibility deadline passes; unacked messages past the deadline
// are redelivered (at-least-once).
type Message struct {
	ID        uint       `gorm:"primaryKey" json:"-"`
	MessageID string     `gorm:"uniqueIndex;not null" json:"messageId"`
	Queue     string     `gorm:"index:idx_msg_queue_visible" json:"queue"`
	Payload   string     `json:"payload"`
	Attempts  int        `json:"attempts"`
	VisibleAt time.Time  `gorm:"index:idx_msg_queue_visible" json:"visibleAt"`
	AckedAt   *time.Time `json:"ackedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"-"`
}

// Store is a durable, at-least-once FIFO message store.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Add enqueues payload (marshalled as JSON) and returns the message id.
	Add(ctx context.Context, queue string, payload any) (string, error)

	// Get dequeues the oldest visible message and starts its visibility
	// window. Returns ErrEmpty when nothing is visible.
	Get(ctx context.Context, queue string) (*Message, error)

	// Ack marks a message as processed so it is never redelivered.
	Ack(ctx context.Context, messageID string) error

	// Depth returns the number of unacked messages in a queue.
	Depth(ctx context.Context, queue string) (int64, error)

	// DeleteAckedBefore prunes acked messages older than the cutoff.
	DeleteAckedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log               logrus.FieldLogger
	cfg               *config.DatabaseConfig
	visibilityTimeout time.Duration
	db                *gorm.DB
}

// NewStore creates a queue Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	visibilityTimeout time.Duration,
) Store {
	return &store{
		log:               log.WithField("component", "queue"),
		cfg:               cfg,
		visibilityTimeout: visibilityTimeout,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening queue database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&Message{}); err != nil {
		return fmt.Errorf("running queue migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Queue database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) Add(
	ctx context.Context, queue string, payload any,
) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling queue payload: %w", err)
	}

	msg := Message{
		MessageID: uuid.NewString(),
		Queue:     queue,
		Payload:   string(data),
		VisibleAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return "", fmt.Errorf("enqueueing message: %w", err)
	}

	s.log.WithField("queue", queue).
		WithField("message_id", msg.MessageID).
		Debug("Message enqueued")

	return msg.MessageID, nil
}

func (s *store) Get(
	ctx context.Context, queue string,
) (*Message, error) {
	var msg Message

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		if err := tx.
			Where(
				"queue = ? AND acked_at IS NULL AND visible_at <= ?",
				queue, now,
			).
			Order("id ASC").
			First(&msg).Error; err != nil {
			return err
		}

		msg.Attempts++
		msg.VisibleAt = now.Add(s.visibilityTimeout)

		return tx.Model(&Message{}).
			Where("id = ?", msg.ID).
			Select("attempts", "visible_at").
			Updates(&msg).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEmpty
		}

		return nil, fmt.Errorf("dequeuing message: %w", err)
	}

	return &msg, nil
}

func (s *store) Ack(ctx context.Context, messageID string) error {
	now := time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("message_id = ? AND acked_at IS NULL", messageID).
		Update("acked_at", now)
	if result.Error != nil {
		return fmt.Errorf("acking message: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("acking message %s: %w", messageID, ErrEmpty)
	}

	return nil
}

func (s *store) Depth(
	ctx context.Context, queue string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("queue = ? AND acked_at IS NULL", queue).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting queue depth: %w", err)
	}

	return count, nil
}

func (s *store) DeleteAckedBefore(
	ctx context.Context, cutoff time.Time,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("acked_at IS NOT NULL AND acked_at < ?", cutoff).
		Delete(&Message{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning acked messages: %w", result.Error)
	}

	return result.RowsAffected, nil
}
