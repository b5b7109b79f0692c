// Package runner defines the Runner adapter contract (spec.md §4.4): the
// per-query driver of one vendor SDK, stateless w.r.t. conversation. It
// never sees the reducer or the event bus — it only produces raw vendor
// messages in order onto a sink channel. Concrete drivers live in the
// claudesdk (subprocess) and opencode (in-process engine) subpackages.
package runner

import (
	"context"
	"encoding/json"
)

// Runner drives one query against a vendor SDK.
type Runner interface {
	// RunQuery writes raw vendor messages, in order, onto sink until the
	// query ends (success, failure, or cancellation), then closes sink and
	// returns. ctx cancellation and Cancel() both cause a prompt return.
	RunQuery(ctx context.Context, prompt string, sessionOptions map[string]any, sink chan<- json.RawMessage) error

	// Cancel is best-effort: it must cause an in-flight RunQuery to return
	// promptly. Calling Cancel when no query is in flight is a no-op.
	Cancel()
}
