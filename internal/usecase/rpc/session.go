package rpc

import (
	"context"
	"net/url"
	"time"

	"cvmlink/internal/domain"
	"cvmlink/internal/infra/tracer"
	"cvmlink/internal/usecase/progress"
	"cvmlink/internal/usecase/session"
)

// SessionRequest describes the session to obtain from the daemon.
type SessionRequest struct {
	// VMCP is the http(s) URL of the VM contextualization point.
	VMCP string
	// Timeout overrides Options.SessionTimeout for this request. Zero keeps
	// the option, or the transport default when that is unset too.
	Timeout time.Duration
}

func (r SessionRequest) validate() error {
	u, err := url.Parse(r.VMCP)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.NewDomainError("Client.RequestSession", domain.ErrInvalidInput, "vmcp must be an http(s) URL")
	}
	return nil
}

// RequestSession asks the daemon for a session. Intermediate progress is
// republished on the client dispatcher as smart progress, and started and
// completed responses are republished as they are. On success the returned
// session already receives frames addressed to its id.
func (c *Client) RequestSession(ctx context.Context, req SessionRequest) (*session.Session, error) {
	ctx, span := tracer.StartSpan(ctx, "rpc.request_session", tracer.VMCP(req.VMCP))
	defer span.End()

	if err := req.validate(); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.opts.SessionTimeout
	}
	if timeout == 0 {
		timeout = domain.DefaultTimeout
	}

	tracker := progress.NewTracker(c.events, c.registry)
	defer tracker.Abort()

	type result struct {
		s   *session.Session
		err error
	}
	out := make(chan result, 1)
	frameID, err := c.send(domain.ActionRequestSession, map[string]any{"vmcp": req.VMCP}, domain.Callbacks{
		OnSucceed: func(args domain.Args) {
			id := args.String(1)
			if m := args.Map(0); m != nil {
				id, _ = m["session_id"].(string)
			}
			if id == "" {
				out <- result{err: domain.NewRemoteError("Missing session id", domain.CodeUsageError)}
				return
			}
			// Built here so the route exists before the next frame is read.
			s := session.New(id, c, c.opts.Session, c.logger)
			c.track(s)
			out <- result{s: s}
		},
		OnFailed: func(re *domain.RemoteError) { out <- result{err: re} },
		OnProgress: func(args domain.Args) {
			done, _ := args.Float(0)
			total, _ := args.Float(1)
			tracker.Tick(done, total, args.String(2))
		},
		OnStarted:   func(args domain.Args) { c.events.Publish(domain.EventStarted, args...) },
		OnCompleted: func(args domain.Args) { c.events.Publish(domain.EventCompleted, args...) },
	}, timeout)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Client.RequestSession", err)
	}
	span.SetAttributes(tracer.Frame(frameID))

	select {
	case r := <-out:
		if r.err != nil {
			c.logger.Warn("session request failed", "vmcp", req.VMCP, "error", r.err)
			tracer.RecordError(span, r.err)
			return nil, domain.WrapOp("Client.RequestSession", r.err)
		}
		c.logger.Info("session opened", "session_id", r.s.ID())
		span.SetAttributes(tracer.Session(r.s.ID()))
		tracer.SetOK(span)
		return r.s, nil
	case <-ctx.Done():
		// A session that arrives after the caller gave up is detached.
		go func() {
			if r := <-out; r.s != nil {
				r.s.Detach()
			}
		}()
		tracer.RecordError(span, ctx.Err())
		return nil, domain.WrapOp("Client.RequestSession", ctx.Err())
	}
}
