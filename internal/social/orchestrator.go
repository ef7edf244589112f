package social

import (
	"context"
	"fmt"
	"time"
)

// Progress floors per completed step. Appends fill the band between
// progressInit and progressAppended proportionally; progress never moves
// backward within one session.
const (
	progressInit     = 10
	progressAppended = 70
	progressFinal    = 85
	progressReady    = 95
)

type PollState int

const (
	PollProcessing PollState = iota
	PollReady
	PollFailed
)

type pollResult struct {
	State  PollState
	Reason string // upstream failure reason when State == PollFailed
}

// PollPolicy bounds a processing-status poll loop: fixed interval, attempt
// ceiling, and wall-clock ceiling. Whichever ceiling hits first fails the
// attempt with KindUploadTimeout.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
	MaxWait     time.Duration
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = 2 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 90
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 3 * time.Minute
	}
	return p
}

// uploadPlan is the ordered step sequence for one platform. Nil steps are
// skipped: single-call platforms set only Publish; remote-URL platforms
// skip Append (the platform fetches the bytes itself); platforms whose
// initialize already publishes skip Publish and the media id is the post id.
type uploadPlan struct {
	Initialize func(ctx context.Context) (mediaID string, err error)
	Append     func(ctx context.Context, mediaID string, chunk []byte, seq int) error
	Finalize   func(ctx context.Context, mediaID string) (pending bool, err error)
	Poll       func(ctx context.Context, mediaID string) (pollResult, error)
	Publish    func(ctx context.Context, mediaID string) (postID string, err error)
}

// runUpload drives the plan strictly sequentially. Every step failure is
// terminal for the session: status and error are recorded before the error
// propagates, and no later step runs.
func (p *Provider) runUpload(ctx context.Context, a *attempt, plan *uploadPlan) (string, error) {
	fail := func(err error) (string, error) {
		a.session.fail(err.Error())
		return "", err
	}

	a.session.advance(0, StatusUploading)

	mediaID := ""
	if plan.Initialize != nil {
		id, err := plan.Initialize(ctx)
		if err != nil {
			return fail(err)
		}
		mediaID = id
		a.session.setMediaID(mediaID)
		a.session.advance(progressInit, StatusUploading)
	}

	if plan.Append != nil && len(a.req.Video) > 0 {
		chunkSize := p.cfg.ChunkSize
		if chunkSize <= 0 {
			chunkSize = 4 * 1024 * 1024
		}
		total := (len(a.req.Video) + chunkSize - 1) / chunkSize
		for i := 0; i < total; i++ {
			start := i * chunkSize
			end := start + chunkSize
			if end > len(a.req.Video) {
				end = len(a.req.Video)
			}
			// Chunk order is a protocol requirement: segment N+1 must not be
			// sent before segment N's append resolved.
			if err := plan.Append(ctx, mediaID, a.req.Video[start:end], i); err != nil {
				return fail(err)
			}
			floor := progressInit + (progressAppended-progressInit)*(i+1)/total
			a.session.advance(floor, StatusUploading)
		}
	}

	pending := false
	if plan.Finalize != nil {
		var err error
		pending, err = plan.Finalize(ctx, mediaID)
		if err != nil {
			return fail(err)
		}
		a.session.advance(progressFinal, StatusProcessing)
	}

	if plan.Poll != nil && (pending || plan.Finalize == nil) {
		if err := p.pollUntilReady(ctx, a, plan, mediaID); err != nil {
			return fail(err)
		}
	}
	a.session.advance(progressReady, StatusProcessing)

	postID := mediaID
	if plan.Publish != nil {
		id, err := plan.Publish(ctx, mediaID)
		if err != nil {
			return fail(err)
		}
		postID = id
	}

	a.session.complete(postID)
	return postID, nil
}

// pollUntilReady polls the processing status on a fixed interval until the
// platform reports ready, reports failure, or a ceiling is hit. Transient
// transport errors are tolerated (a status poll is idempotent) but still
// consume attempts.
func (p *Provider) pollUntilReady(ctx context.Context, a *attempt, plan *uploadPlan, mediaID string) error {
	policy := p.cfg.Poll.withDefaults()
	deadline := time.Now().Add(policy.MaxWait)

	var lastErr error
	for i := 0; i < policy.MaxAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return netErr(p.cfg.Name, "poll", ctx.Err())
			case <-time.After(policy.Interval):
			}
		}
		if time.Now().After(deadline) {
			break
		}

		res, err := plan.Poll(ctx, mediaID)
		if err != nil {
			if KindOf(err) == KindNetwork {
				lastErr = err
				continue
			}
			return err
		}
		lastErr = nil

		switch res.State {
		case PollReady:
			return nil
		case PollFailed:
			reason := res.Reason
			if reason == "" {
				reason = "processing_failed"
			}
			return stepErr(p.cfg.Name, "poll", 0, reason)
		}
		a.session.advance(progressFinal, StatusProcessing)
	}

	msg := fmt.Sprintf("media not ready after %s", policy.MaxWait)
	if lastErr != nil {
		msg = fmt.Sprintf("%s (last error: %v)", msg, lastErr)
	}
	return timeoutErr(p.cfg.Name, "poll", msg)
}
