package pipeline

import (
	"context"

	"github.com/ignite/inbox-digest/internal/digest"
)

// Handler is one pipeline stage: a pure transformation of the run state.
// Handlers own nothing across invocations; persistence happens through the
// stores injected at construction.
type Handler interface {
	Stage() Stage
	Run(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error)
}

// Notifier delivers operational notices when a run fails. The error-handler
// branch uses it instead of writing any ProcessedRecords.
type Notifier interface {
	SendErrorNotice(ctx context.Context, contextLabel string, err error) error
	SendReauthNotice(ctx context.Context) error
}
