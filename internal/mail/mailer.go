// Package mail defines the email dispatch boundary. The auth service only
// enqueues; rendering and delivery happen in the worker.
package mail

import "context"

// Kind selects the message template.
type Kind string

const (
	KindVerification  Kind = "verification"
	KindPasswordReset Kind = "password_reset"
	KindWelcome       Kind = "welcome"
)

// Message is a templated email to a single recipient.
type Message struct {
	To     string            `json:"to"`
	Kind   Kind              `json:"kind"`
	Params map[string]string `json:"params"`
}

// Mailer dispatches messages. Implementations are expected to be quick;
// callers treat failures as best-effort and never fail the parent flow.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}
