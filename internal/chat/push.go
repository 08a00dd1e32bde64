package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"

	"slopestream-core/internal/apperrors"
	"slopestream-core/internal/jobqueue"
	"slopestream-core/internal/warm"
)

// PushConfig configures the APNs collaborator.
type PushConfig struct {
	Enabled     bool
	Topic       string
	Development bool
}

// DeviceTokenLookup resolves a user's registered APNs device token. This
// core only consumes whatever token a prior registration stored; it does
// not implement device registration itself.
type DeviceTokenLookup interface {
	DeviceToken(ctx context.Context, userID string) (string, bool, error)
}

// PushWorker consumes PushJobTopic and delivers a best-effort APNs
// notification to an offline recipient's last known device.
type PushWorker struct {
	client *apns2.Client
	cfg    PushConfig
	tokens DeviceTokenLookup
	jobs   *jobqueue.Queue
}

// NewPushWorker builds a PushWorker from a PEM certificate file.
func NewPushWorker(certFile string, cfg PushConfig, tokens DeviceTokenLookup, jobs *jobqueue.Queue) (*PushWorker, error) {
	if !cfg.Enabled {
		return &PushWorker{cfg: cfg, tokens: tokens, jobs: jobs}, nil
	}

	cert, err := certificate.FromPemFile(certFile, "")
	if err != nil {
		return nil, apperrors.Fatal("push: failed to load apns certificate", err)
	}

	client := apns2.NewClient(cert)
	if cfg.Development {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return &PushWorker{client: client, cfg: cfg, tokens: tokens, jobs: jobs}, nil
}

// Run consumes the push topic until ctx is cancelled. A disabled worker
// still drains the topic (acking immediately) so PushJob entries never
// pile up when push is turned off in config.
func (w *PushWorker) Run(ctx context.Context, consumerName string) error {
	return w.jobs.Consume(ctx, PushJobTopic, consumerName, w.handle)
}

func (w *PushWorker) handle(ctx context.Context, job jobqueue.Job) error {
	if !w.cfg.Enabled {
		return nil
	}

	var p PushJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return apperrors.Validation("push: malformed job payload")
	}

	token, ok, err := w.tokens.DeviceToken(ctx, p.RecipientID)
	if err != nil {
		return err
	}
	if !ok {
		// No registered device; nothing to deliver, not a retryable failure.
		return nil
	}

	notification := &apns2.Notification{
		DeviceToken: token,
		Topic:       w.cfg.Topic,
		Payload:     payload.NewPayload().AlertBody(fmt.Sprintf("%s: %s", p.SenderID, p.Preview)).Sound("default"),
	}

	res, err := w.client.Push(notification)
	if err != nil {
		return apperrors.Transient("push: apns delivery", err)
	}
	if !res.Sent() {
		log.Warn().Str("recipient_id", p.RecipientID).Str("reason", res.Reason).Msg("push: apns rejected notification")
	}
	return nil
}

// SocialDeviceTokens adapts the social repository's users table to
// DeviceTokenLookup, assuming a device_token column seeded by the
// device-registration flow this core does not itself implement.
type SocialDeviceTokens struct {
	Social *warm.SocialRepository
}

// DeviceToken implements DeviceTokenLookup.
func (s SocialDeviceTokens) DeviceToken(ctx context.Context, userID string) (string, bool, error) {
	return s.Social.DeviceToken(ctx, userID)
}
