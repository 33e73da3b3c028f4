package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/gochat-relay/internal/jobqueue"
)

// JobName is the durable job that creates a pending record.
const JobName = "create_pending_notification"

// creator is the part of Store the job needs.
type creator interface {
	Create(ctx context.Context, args CreateArgs) (Record, error)
}

// Handler returns the worker handler for JobName. Malformed arguments are
// permanent failures; storage errors are retried.
func Handler(s creator) jobqueue.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) error {
		var args CreateArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return jobqueue.Permanent(fmt.Errorf("decode %s args: %w", JobName, err))
		}
		if err := args.validate(); err != nil {
			return jobqueue.Permanent(fmt.Errorf("%s: %w", JobName, err))
		}
		_, err := s.Create(ctx, args)
		return err
	}
}
