package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"cvmlink/internal/domain"
	"cvmlink/pkg/webapi"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "session <vmcp-url> [operation...]",
		Short: "Request a session and run lifecycle operations on it",
		Long: "Request a session for the VM contextualization point at <vmcp-url>, then run\n" +
			"each operation in order. Operations: " + strings.Join(opNames(), ", ") + ".",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := parseOps(args[1:])
			if err != nil {
				return err
			}
			startParams, err := parseParams(params)
			if err != nil {
				return err
			}

			out := &lockedWriter{w: cmd.OutOrStdout()}
			return ctx.withClient(cmd, func(runCtx context.Context, c *webapi.Client) error {
				progress := c.Progress().Events().Subscribe(domain.EventProgress, func(args ...any) {
					pct, _ := domain.Args(args).Int(0)
					fmt.Fprintf(out, "%s %s\n", textInfo.Render(fmt.Sprintf("[%3d%%]", pct)), domain.Args(args).String(1))
				})
				defer progress.Cancel()

				s, err := c.RequestSession(runCtx, args[0])
				if err != nil {
					return err
				}
				defer s.Detach()

				states := s.Events().Subscribe(domain.EventSessionStateChange, func(args ...any) {
					if st, ok := domain.Args(args).At(0).(domain.SessionState); ok {
						fmt.Fprintf(out, "%s%s\n", label("state"), textBold.Render(st.String()))
					}
				})
				defer states.Cancel()

				fmt.Fprintf(out, "%s%s\n", label("session"), s.ID())
				for _, op := range ops {
					if err := runOp(runCtx, s, op, startParams); err != nil {
						return fmt.Errorf("%s: %w", op, err)
					}
					fmt.Fprintf(out, "%s %s\n", textSuccess.Render("ok"), op)
				}
				printSession(out, s)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Start parameter as key=value (repeatable)")
	return cmd
}

func opNames() []string {
	names := make([]string, 0, len(domain.SessionOps))
	for _, op := range domain.SessionOps {
		names = append(names, string(op))
	}
	return names
}

func parseOps(args []string) ([]domain.SessionOp, error) {
	ops := make([]domain.SessionOp, 0, len(args))
	for _, a := range args {
		op := domain.SessionOp(strings.ToLower(a))
		if !slices.Contains(domain.SessionOps, op) {
			return nil, fmt.Errorf("unknown operation %q (want one of %s)", a, strings.Join(opNames(), ", "))
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func parseParams(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", kv)
		}
		params[strings.TrimSpace(k)] = v
	}
	return params, nil
}

func runOp(ctx context.Context, s *webapi.Session, op domain.SessionOp, params map[string]any) error {
	switch op {
	case domain.OpOpen:
		return s.Open(ctx)
	case domain.OpStart:
		return s.Start(ctx, params)
	case domain.OpStop:
		return s.Stop(ctx)
	case domain.OpPause:
		return s.Pause(ctx)
	case domain.OpResume:
		return s.Resume(ctx)
	case domain.OpHibernate:
		return s.Hibernate(ctx)
	case domain.OpReset:
		return s.Reset(ctx)
	case domain.OpClose:
		return s.Close(ctx)
	}
	return fmt.Errorf("unsupported operation %q", op)
}

func printSession(w io.Writer, s *webapi.Session) {
	if !s.Valid() {
		fmt.Fprintf(w, "%s%s\n", label("state"), textMuted.Render("closed"))
		return
	}
	fmt.Fprintf(w, "%s%s\n", label("state"), s.State())
	if ip := s.IP(); ip != "" {
		fmt.Fprintf(w, "%s%s\n", label("ip"), ip)
	}
	if api := s.APIEntryPoint(); api != "" {
		fmt.Fprintf(w, "%s%s\n", label("api"), api)
	}
}

// lockedWriter serializes writes from event listeners and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
