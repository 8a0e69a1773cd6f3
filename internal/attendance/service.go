package attendance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campusattend/internal/proofstore"
	"campusattend/internal/queue"
)

// MessageMarkCreated is published after every successful redemption.
const MessageMarkCreated = "mark.created"

// Publisher is the subset of queue.Queue the service uses.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Config controls session validity and the optional hardening checks.
type Config struct {
	// Validity is used when the course's department has not configured a
	// session timeout.
	Validity          time.Duration
	EnforceEnrollment bool
	EnforceOwnership  bool
}

// Service coordinates the session lifecycle and scan redemption.
type Service struct {
	store    Store
	policies PolicyResolver
	proofs   ProofStore
	events   Publisher
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher publishes mark.created events for the verification worker.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithProofStore sets where selfies are kept. Defaults to the placeholder store.
func WithProofStore(p ProofStore) Option {
	return func(s *Service) { s.proofs = p }
}

// WithLogger sets the logger used for best-effort side effects.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService creates a service backed by store.
func NewService(store Store, cfg Config, opts ...Option) *Service {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultSessionTimeout * time.Second
	}
	s := &Service{
		store:    store,
		policies: NewPolicyResolver(store),
		proofs:   proofstore.Placeholder{},
		cfg:      cfg,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// audit is best-effort: a failed write is logged and otherwise ignored.
func (s *Service) audit(ctx context.Context, e AuditEntry) {
	if err := s.store.Record(ctx, e); err != nil {
		s.log.Warn("audit write failed",
			zap.String("action", e.Action),
			zap.String("entity_id", e.EntityID),
			zap.Error(err))
	}
}

// publishTimeout bounds the mark event publish so a slow or full queue
// never holds up a scan response.
const publishTimeout = 2 * time.Second

func (s *Service) publish(ctx context.Context, m Mark) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, queue.Message{Type: MessageMarkCreated, Body: []byte(m.ID)}); err != nil {
		s.log.Warn("publish mark event failed", zap.String("mark_id", m.ID), zap.Error(err))
	}
}
