package domain

import "context"

// Executor performs an admitted command. It sits outside the trust boundary:
// the gateway compensates for any error it returns.
type Executor interface {
	Name() string
	Execute(ctx context.Context, cmd ExecRequest) (string, error)
}

type ExecRequest struct {
	SubmissionID string
	UserID       int64
	CommandText  string
}
