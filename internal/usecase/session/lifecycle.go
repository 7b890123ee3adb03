package session

import (
	"context"
	"sync"

	"cvmlink/internal/domain"
	"cvmlink/internal/infra/tracer"
)

// Open prepares the virtual machine.
func (s *Session) Open(ctx context.Context) error { return s.run(ctx, domain.OpOpen, nil) }

// Start boots the virtual machine. params are user variables merged into
// the session's contextualization data; nil sends none.
func (s *Session) Start(ctx context.Context, params map[string]any) error {
	return s.run(ctx, domain.OpStart, params)
}

func (s *Session) Stop(ctx context.Context) error      { return s.run(ctx, domain.OpStop, nil) }
func (s *Session) Pause(ctx context.Context) error     { return s.run(ctx, domain.OpPause, nil) }
func (s *Session) Resume(ctx context.Context) error    { return s.run(ctx, domain.OpResume, nil) }
func (s *Session) Hibernate(ctx context.Context) error { return s.run(ctx, domain.OpHibernate, nil) }
func (s *Session) Reset(ctx context.Context) error     { return s.run(ctx, domain.OpReset, nil) }

// Close destroys the daemon session. On success the handle is invalidated
// and every accessor returns its unavailable value.
func (s *Session) Close(ctx context.Context) error {
	if err := s.run(ctx, domain.OpClose, nil); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

// run performs one lifecycle operation and blocks until its completion
// event, its error event, a refused acknowledgement, invalidation or ctx is
// done. Only the first outcome counts, and both listeners are removed on
// every path.
func (s *Session) run(ctx context.Context, op domain.SessionOp, params map[string]any) error {
	ctx, span := tracer.StartSessionOp(ctx, s.id, string(op))
	defer span.End()

	err := s.perform(ctx, op, params)
	switch {
	case err == nil:
		tracer.SetOK(span)
	case domain.CodeOf(err) != domain.CodeOK:
		tracer.RecordRemote(span, err, int(domain.CodeOf(err)))
	default:
		tracer.RecordError(span, err)
	}
	return err
}

func (s *Session) perform(ctx context.Context, op domain.SessionOp, params map[string]any) error {
	opName := "Session." + string(op)
	if !s.Valid() {
		return domain.WrapOp(opName, domain.ErrSessionInvalid)
	}

	outcome := make(chan error, 1)
	var once sync.Once
	finish := func(err error) {
		once.Do(func() { outcome <- err })
	}

	done := s.raw.Subscribe(string(op), func(...any) { finish(nil) })
	failed := s.raw.Subscribe(op.ErrorEvent(), func(args ...any) {
		finish(domain.NewRemoteError(domain.Args(args).Message()))
	})
	defer done.Cancel()
	defer failed.Cancel()

	data := map[string]any{"session_id": s.id}
	if params != nil {
		data["parameters"] = params
	}

	ack := s.opts.AckTimeout
	if ack == 0 {
		ack = domain.DefaultTimeout
	}
	err := s.caller.Call(string(op), data, domain.Callbacks{
		OnSucceed: func(args domain.Args) {
			msg, code := args.Message()
			if code != domain.CodeScheduled {
				if msg == "" {
					msg = code.String()
				}
				finish(domain.NewRemoteError(msg, code))
			}
		},
		OnFailed: func(re *domain.RemoteError) { finish(re) },
	}, ack)
	if err != nil {
		return domain.WrapOp(opName, err)
	}

	s.logger.Debug("operation scheduled", "op", string(op))

	select {
	case err := <-outcome:
		if err != nil {
			s.logger.Warn("operation failed", "op", string(op), "error", err)
			return domain.WrapOp(opName, err)
		}
		return nil
	case <-s.stopPoll:
		return domain.WrapOp(opName, domain.ErrSessionInvalid)
	case <-ctx.Done():
		return domain.WrapOp(opName, ctx.Err())
	}
}
