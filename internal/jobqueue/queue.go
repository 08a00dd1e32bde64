// Package jobqueue implements a durable job queue on top of HOT's Redis
// Streams support: at-least-once delivery, per-job retry with
// exponential backoff, and a dead-letter destination after attempts are
// exhausted.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"slopestream-core/internal/apperrors"
)

// Job is one unit of work read off a topic.
type Job struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// EnqueueOptions controls the retry policy of a single job. Only Attempts
// is stored with the job; BaseBackoff is not, and redelivery always backs
// off from DefaultOptions().BaseBackoff, doubled per retry.
type EnqueueOptions struct {
	Attempts    int           // total attempts, including the first
	BaseBackoff time.Duration // not stored per job; see above
}

// DefaultOptions matches the ping-persistence retry policy: three
// attempts, base backoff 1s.
func DefaultOptions() EnqueueOptions {
	return EnqueueOptions{Attempts: 3, BaseBackoff: time.Second}
}

// Handler processes one job. Returning an error causes a retry (subject
// to Attempts) or, once exhausted, a dead-letter write.
type Handler func(ctx context.Context, job Job) error

// Queue is a Redis-Streams-backed job queue, shared by reference across
// producers (LocationEngine, ChatEngine) and consumers (PingPersister,
// chat's after-write worker).
type Queue struct {
	rdb   *redis.Client
	group string
}

// New builds a Queue bound to consumer group name.
func New(rdb *redis.Client, group string) *Queue {
	return &Queue{rdb: rdb, group: group}
}

func streamKey(topic string) string     { return "jobs:{" + topic + "}" }
func deadLetterKey(topic string) string  { return "jobs:{" + topic + "}:dead" }
func attemptsKey(topic, id string) string { return "jobs:{" + topic + "}:attempts:" + id }

// Enqueue appends payload to topic's stream with at-least-once semantics.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload interface{}, opts EnqueueOptions) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Validation("failed to marshal job payload")
	}

	job := Job{ID: uuid.New().String(), Topic: topic, Payload: raw, Attempt: 1}
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return apperrors.Validation("failed to marshal job envelope")
	}

	if err := q.ensureGroup(ctx, topic); err != nil {
		return err
	}

	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]interface{}{"job": string(jobBytes)},
	}).Err(); err != nil {
		return apperrors.Transient("jobqueue: enqueue", err)
	}

	opts = withDefaults(opts)
	return q.rdb.Set(ctx, attemptsKey(topic, job.ID), opts.Attempts, 24*time.Hour).Err()
}

func withDefaults(opts EnqueueOptions) EnqueueOptions {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultOptions().Attempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultOptions().BaseBackoff
	}
	return opts
}

func (q *Queue) ensureGroup(ctx context.Context, topic string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, streamKey(topic), q.group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists, which is the common case.
		if !isBusyGroupErr(err) {
			return apperrors.Transient("jobqueue: create group", err)
		}
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Consume runs handler over topic's stream until ctx is cancelled. Each
// job is acknowledged on success; on failure it is redelivered after an
// exponential backoff computed from its attempt count, and moved to the
// dead-letter stream once attempts are exhausted.
func (q *Queue) Consume(ctx context.Context, topic, consumerName string, handler Handler) error {
	if err := q.ensureGroup(ctx, topic); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		q.reclaimStalled(ctx, topic, consumerName)

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumerName,
			Streams:  []string{streamKey(topic), ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Error().Err(err).Str("topic", topic).Msg("jobqueue: read group failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, topic, msg, handler)
			}
		}
	}
}

func (q *Queue) handleMessage(ctx context.Context, topic string, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values["job"].(string)
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("jobqueue: malformed job, dead-lettering")
		q.deadLetter(ctx, topic, msg.ID, raw)
		q.rdb.XAck(ctx, streamKey(topic), q.group, msg.ID)
		return
	}

	if err := handler(ctx, job); err != nil {
		q.retryOrDeadLetter(ctx, topic, msg.ID, job, raw, err)
		return
	}

	q.rdb.XAck(ctx, streamKey(topic), q.group, msg.ID)
}

func (q *Queue) retryOrDeadLetter(ctx context.Context, topic, msgID string, job Job, raw string, cause error) {
	maxAttempts := q.maxAttempts(ctx, topic, job.ID)
	if job.Attempt >= maxAttempts {
		log.Error().Err(cause).Str("topic", topic).Str("job_id", job.ID).
			Int("attempt", job.Attempt).Msg("jobqueue: attempts exhausted, dead-lettering")
		q.deadLetter(ctx, topic, msgID, raw)
		q.rdb.XAck(ctx, streamKey(topic), q.group, msgID)
		return
	}

	// Leave the message pending; reclaimStalled will redeliver it once its
	// backoff window has elapsed, incrementing Attempt.
	log.Warn().Err(cause).Str("topic", topic).Str("job_id", job.ID).
		Int("attempt", job.Attempt).Msg("jobqueue: handler failed, will retry")
}

func (q *Queue) maxAttempts(ctx context.Context, topic, jobID string) int {
	s, ok, err := getString(ctx, q.rdb, attemptsKey(topic, jobID))
	if err != nil || !ok {
		return DefaultOptions().Attempts
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return DefaultOptions().Attempts
	}
	return n
}

func getString(ctx context.Context, rdb *redis.Client, key string) (string, bool, error) {
	v, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// reclaimStalled redelivers pending entries whose attempt's exponential
// backoff window has elapsed, bumping Attempt by one each time.
func (q *Queue) reclaimStalled(ctx context.Context, topic, consumerName string) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(topic),
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  50,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	for _, p := range pending {
		entries, err := q.rdb.XRangeN(ctx, streamKey(topic), p.ID, p.ID, 1).Result()
		if err != nil || len(entries) == 0 {
			continue
		}
		raw, _ := entries[0].Values["job"].(string)
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		backoff := backoffFor(job.Attempt - 1)
		if p.Idle < backoff {
			continue
		}

		claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   streamKey(topic),
			Group:    q.group,
			Consumer: consumerName,
			MinIdle:  backoff,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}

		job.Attempt++
		bumped, _ := json.Marshal(job)
		// Re-add as a fresh entry carrying the bumped attempt count, and ack
		// the stale one — Streams has no in-place field update.
		q.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(topic),
			Values: map[string]interface{}{"job": string(bumped)},
		})
		q.rdb.XAck(ctx, streamKey(topic), q.group, p.ID)
	}
}

func backoffFor(attempt int) time.Duration {
	base := DefaultOptions().BaseBackoff
	d := base
	for i := 0; i < attempt && i < 10; i++ {
		d *= 2
	}
	return d
}

func (q *Queue) deadLetter(ctx context.Context, topic, msgID, raw string) {
	q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterKey(topic),
		Values: map[string]interface{}{"job": raw, "original_id": msgID},
	})
}
