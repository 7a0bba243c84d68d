// queue.go
//
// Redis-backed async mail queue. QueuedMailer implements Mailer and enqueues
// jobs instead of sending synchronously; StartWorker drains the queue in a
// background goroutine and hands each job to the inner Mailer.
//
// Reset codes are sealed with AES-256-GCM before they touch Redis.
package mail

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "pennywise:mail:queue"

// DefaultMaxQueueSize is the cap applied in production. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by enqueue when the queue has reached its size cap.
var ErrQueueFull = errors.New("mail queue full")

const jobPasswordReset = "password_reset"

// EmailJob is the serialized payload pushed onto the queue.
type EmailJob struct {
	Type    string `json:"type"`
	ToEmail string `json:"to_email"`
	// SealedCode is the reset code encrypted with the queue key.
	SealedCode []byte            `json:"sealed_code"`
	ExpiresIn  int64             `json:"expires_in"` // nanoseconds
	Vars       map[string]string `json:"vars"`
}

// QueuedMailer enqueues email jobs to Redis so ForgotPassword returns without
// waiting for SMTP.
type QueuedMailer struct {
	inner        Mailer
	rdb          *redis.Client
	key          []byte
	maxQueueSize int64
	log          *slog.Logger
}

// NewQueuedMailer wraps inner with a Redis-backed async queue. key must be 32
// bytes; maxSize caps the queue length (0 = unlimited).
func NewQueuedMailer(inner Mailer, rdb *redis.Client, key []byte, maxSize int64) (*QueuedMailer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("mail queue key must be 32 bytes, got %d", len(key))
	}
	return &QueuedMailer{
		inner:        inner,
		rdb:          rdb,
		key:          key,
		maxQueueSize: maxSize,
		log:          slog.Default().With("component", "mail_worker"),
	}, nil
}

// enqueueScript atomically checks the queue length and pushes the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// SendPasswordReset enqueues a password reset email job.
func (q *QueuedMailer) SendPasswordReset(ctx context.Context, toEmail, code string, expiresIn time.Duration, vars map[string]string) error {
	sealed, err := encryptToken(q.key, []byte(code))
	if err != nil {
		return fmt.Errorf("sealing reset code: %w", err)
	}
	return q.enqueue(ctx, EmailJob{
		Type:       jobPasswordReset,
		ToEmail:    toEmail,
		SealedCode: sealed,
		ExpiresIn:  int64(expiresIn),
		Vars:       vars,
	})
}

// enqueue serializes job to JSON and appends it to the Redis queue.
func (q *QueuedMailer) enqueue(ctx context.Context, job EmailJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling email job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing email job: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the mail queue in a loop, dispatching each job to inner.
// Blocks until ctx is cancelled.
func (q *QueuedMailer) StartWorker(ctx context.Context) {
	for {
		// BLPop blocks up to 2s then returns redis.Nil -- keeps the loop
		// responsive to ctx cancellation without busy-spinning.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.log.Error("queue pop failed", "error", err)
			// Redis down: back off instead of spinning on errors.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		var job EmailJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.log.Error("bad job payload", "error", err)
			continue
		}
		q.dispatch(ctx, job)
	}
}

// dispatch calls the inner Mailer for job. Errors are logged and dropped;
// the user can request another code.
func (q *QueuedMailer) dispatch(ctx context.Context, job EmailJob) {
	switch job.Type {
	case jobPasswordReset:
		code, err := decryptToken(q.key, job.SealedCode)
		if err != nil {
			q.log.Error("unsealing reset code failed", "to", job.ToEmail, "error", err)
			return
		}
		if err := q.inner.SendPasswordReset(ctx, job.ToEmail, string(code), time.Duration(job.ExpiresIn), job.Vars); err != nil {
			q.log.Error("send failed", "type", job.Type, "to", job.ToEmail, "error", err)
		}
	default:
		q.log.Error("unknown job type", "type", job.Type)
	}
}

// encryptToken seals plaintext with AES-256-GCM; the nonce is prepended.
func encryptToken(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptToken reverses encryptToken.
func decryptToken(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed token too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
