// Package verify runs the asynchronous liveness check on marks created by
// scan redemption.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"campusattend/internal/attendance"
	"campusattend/internal/faceclient"
	"campusattend/internal/kvstore"
	"campusattend/internal/proofstore"
	"campusattend/internal/queue"
)

// MarkStore is the slice of attendance persistence the worker touches.
type MarkStore interface {
	GetMark(ctx context.Context, id string) (attendance.Mark, error)
	SetMarkVerification(ctx context.Context, id string, verified bool, score *float64) error
}

// LivenessChecker is satisfied by *faceclient.Client.
type LivenessChecker interface {
	Liveness(ctx context.Context, imageURL string) (*faceclient.LivenessResult, error)
}

// doneTTL is how long a processed mark id is remembered for redelivery dedup.
const doneTTL = 24 * time.Hour

// Verifier checks selfies of new marks and records the outcome.
type Verifier struct {
	Marks    MarkStore
	Face     LivenessChecker
	Resolver proofstore.Resolver
	Seen     kvstore.Store
	Log      *zap.Logger
	// Timeout bounds one face service call.
	Timeout time.Duration
}

// Handle processes one queue message. Messages of other types are ignored.
func (v *Verifier) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != attendance.MessageMarkCreated {
		return nil
	}
	markID := string(msg.Body)
	if markID == "" {
		return errors.New("verify: empty mark id")
	}
	log := v.logger().With(zap.String("mark_id", markID))

	doneKey := "verify:done:" + markID
	if v.Seen != nil {
		if _, done, err := v.Seen.Get(ctx, doneKey); err == nil && done {
			log.Debug("mark already verified, skipping")
			return nil
		}
	}

	mark, err := v.Marks.GetMark(ctx, markID)
	if errors.Is(err, attendance.ErrMarkNotFound) {
		log.Warn("mark vanished before verification")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load mark: %w", err)
	}
	if mark.SelfieRef == nil || proofstore.IsPlaceholder(*mark.SelfieRef) {
		log.Debug("no stored selfie, leaving mark unverified")
		v.markDone(ctx, doneKey)
		return nil
	}

	resolver := v.Resolver
	if resolver == nil {
		resolver = proofstore.Direct{}
	}
	imageURL, err := resolver.Resolve(ctx, *mark.SelfieRef)
	if err != nil {
		return err
	}

	callCtx := ctx
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	res, err := v.Face.Liveness(callCtx, imageURL)
	if err != nil {
		return fmt.Errorf("liveness check: %w", err)
	}

	score := res.Confidence
	if err := v.Marks.SetMarkVerification(ctx, mark.ID, res.IsLive, &score); err != nil {
		return fmt.Errorf("record verification: %w", err)
	}
	v.markDone(ctx, doneKey)
	log.Info("mark verified", zap.Bool("live", res.IsLive), zap.Float64("confidence", res.Confidence))
	return nil
}

// Run consumes q until ctx is cancelled. Failed messages are logged and the
// mark stays unverified.
func (v *Verifier) Run(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		if err := v.Handle(ctx, msg); err != nil {
			v.logger().Error("verification failed",
				zap.String("type", msg.Type),
				zap.ByteString("body", msg.Body),
				zap.Error(err))
		}
	}
	return ctx.Err()
}

func (v *Verifier) markDone(ctx context.Context, key string) {
	if v.Seen == nil {
		return
	}
	if err := v.Seen.Set(ctx, key, "1", doneTTL); err != nil {
		v.logger().Warn("could not remember verified mark", zap.String("key", key), zap.Error(err))
	}
}

func (v *Verifier) logger() *zap.Logger {
	if v.Log == nil {
		return zap.NewNop()
	}
	return v.Log
}
