// Package redisstore keeps build status and durable logs in Redis.
//
// Each project has one JSON status key and one list of JSON log events.
// Keys expire after the configured retention, so no janitor is needed.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/go-redis/redis/v8"
)

const defaultPrefix = "buildfix"

var (
	_ models.StatusStore = (*Store)(nil)
	_ models.LogStore    = (*Store)(nil)
)

// Options configures key naming and retention
type Options struct {
	Prefix     string
	BuildTTL   time.Duration
	FailureTTL time.Duration
}

// Store implements models.StatusStore and models.LogStore. Writes for a
// project come from a single orchestration run at a time.
type Store struct {
	client *redis.Client
	opts   Options
}

// New wraps an existing client
func New(client *redis.Client, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.BuildTTL <= 0 {
		opts.BuildTTL = 24 * time.Hour
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = time.Hour
	}
	return &Store{client: client, opts: opts}
}

// Connect creates a client from the service configuration and checks it
func Connect(ctx context.Context, cfg *config.Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	return New(client, Options{
		Prefix:     cfg.RedisPrefix,
		BuildTTL:   time.Duration(cfg.BuildTTLSeconds) * time.Second,
		FailureTTL: time.Duration(cfg.FailureTTLSeconds) * time.Second,
	}), nil
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) statusKey(project string) string {
	return s.opts.Prefix + ":status:" + project
}

func (s *Store) logsKey(project string) string {
	return s.opts.Prefix + ":logs:" + project
}

func (s *Store) put(ctx context.Context, status *models.BuildStatus, ttl time.Duration) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := s.client.Set(ctx, s.statusKey(status.Project), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store status: %w", err)
	}
	return nil
}

// SetInProgress replaces the status with a fresh in-progress record
func (s *Store) SetInProgress(ctx context.Context, project, runID string, startedAt time.Time) error {
	started := startedAt.UTC()
	// in-progress records never expire on their own
	return s.put(ctx, &models.BuildStatus{
		Project:   project,
		RunID:     runID,
		State:     models.StateInProgress,
		StartedAt: &started,
	}, 0)
}

// RecordAttempt updates the attempt counter of an in-progress run
func (s *Store) RecordAttempt(ctx context.Context, project string, attempts int) error {
	status, err := s.Get(ctx, project)
	if err != nil {
		return err
	}
	if status.State != models.StateInProgress {
		return nil
	}
	status.Attempts = attempts
	return s.put(ctx, status, 0)
}

// SetTerminal stores the final result and starts the retention clock for
// both the status and the log
func (s *Store) SetTerminal(ctx context.Context, project string, endedAt time.Time, result *models.BuildResult) error {
	status, err := s.Get(ctx, project)
	if err != nil {
		return err
	}

	ended := endedAt.UTC()
	status.EndedAt = &ended
	status.Result = result
	status.State = models.StateFailed
	ttl := s.opts.FailureTTL
	if result != nil && result.Success {
		status.State = models.StateCompleted
		ttl = s.opts.BuildTTL
	}

	if err := s.put(ctx, status, ttl); err != nil {
		return err
	}
	if err := s.client.Expire(ctx, s.logsKey(project), ttl).Err(); err != nil {
		return fmt.Errorf("failed to expire logs: %w", err)
	}
	return nil
}

// Get returns the project's status, NotStarted when there is no record
func (s *Store) Get(ctx context.Context, project string) (*models.BuildStatus, error) {
	data, err := s.client.Get(ctx, s.statusKey(project)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NotStarted(project), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status: %w", err)
	}

	var status models.BuildStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &status, nil
}

// AppendLog pushes one event onto the project's log list
func (s *Store) AppendLog(ctx context.Context, event models.LogEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal log event: %w", err)
	}
	if err := s.client.RPush(ctx, s.logsKey(event.Project), data).Err(); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ReadLogs returns events after afterSeq in order
func (s *Store) ReadLogs(ctx context.Context, project string, afterSeq int64) ([]models.LogEvent, error) {
	raw, err := s.client.LRange(ctx, s.logsKey(project), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}

	events := make([]models.LogEvent, 0, len(raw))
	for _, item := range raw {
		var event models.LogEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log event: %w", err)
		}
		if event.Sequence > afterSeq {
			events = append(events, event)
		}
	}
	return events, nil
}

// LastSequence returns the sequence number of the newest event, 0 when empty
func (s *Store) LastSequence(ctx context.Context, project string) (int64, error) {
	item, err := s.client.LIndex(ctx, s.logsKey(project), -1).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last log event: %w", err)
	}

	var event models.LogEvent
	if err := json.Unmarshal([]byte(item), &event); err != nil {
		return 0, fmt.Errorf("failed to unmarshal log event: %w", err)
	}
	return event.Sequence, nil
}

// ResetLogs deletes the project's log list
func (s *Store) ResetLogs(ctx context.Context, project string) error {
	if err := s.client.Del(ctx, s.logsKey(project)).Err(); err != nil {
		return fmt.Errorf("failed to reset logs: %w", err)
	}
	return nil
}
