package transport

import (
	"context"

	"cvmlink/internal/domain"
)

// InteractionKind names the prompt the daemon wants shown.
type InteractionKind string

const (
	InteractionConfirm           InteractionKind = "confirm"
	InteractionAlert             InteractionKind = "alert"
	InteractionConfirmLicense    InteractionKind = "confirmLicense"
	InteractionConfirmLicenseURL InteractionKind = "confirmLicenseURL"
)

// NeedsReply reports whether the daemon waits for an answer.
func (k InteractionKind) NeedsReply() bool { return k != InteractionAlert }

// Interaction is a user prompt requested by the daemon. For license kinds
// Body holds the license text or its URL.
type Interaction struct {
	Kind  InteractionKind
	Title string
	Body  string
}

// InteractionHandler presents daemon prompts to the user.
type InteractionHandler interface {
	// Interact shows the prompt and blocks until the user answers or ctx
	// is done.
	Interact(ctx context.Context, in Interaction) (domain.InteractionResult, error)
	// Dismiss hides any prompt still on screen.
	Dismiss()
}

func interactionFromArgs(args domain.Args) Interaction {
	return Interaction{
		Kind:  InteractionKind(args.String(0)),
		Title: args.String(1),
		Body:  args.String(2),
	}
}

// handleInteract runs on its own goroutine so a slow user never stalls the
// read loop.
func (t *Transport) handleInteract(ctx context.Context, args domain.Args) {
	in := interactionFromArgs(args)
	t.logger.Info("daemon interaction", "kind", in.Kind, "title", in.Title)

	var result domain.InteractionResult
	switch {
	case t.interaction == nil:
		result = domain.Declined(false)
	default:
		r, err := t.interaction.Interact(ctx, in)
		if err != nil {
			t.logger.Warn("interaction failed", "kind", in.Kind, "error", err)
			r = domain.Declined(false)
		}
		result = r
	}

	if !in.Kind.NeedsReply() {
		return
	}
	if _, err := t.Send(domain.ActionInteractionCallback, map[string]any{"result": result.Pack()}, nil, 0); err != nil {
		t.logger.Warn("interaction reply failed", "error", err)
	}
}
