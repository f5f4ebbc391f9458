package dispatcher

import "context"

// Envelope is the normalized inbound record handed to the host runtime,
// built from either a message or an assigned task.
type Envelope struct {
	Kind      Kind
	ItemID    string
	FromAgent string
	FromNode  string
	Target    string
	Content   string
	Timestamp int64
}

// ReplyPayload is what the host runtime hands back through deliver.
type ReplyPayload struct {
	Text  string
	Final bool
}

// DeliverFunc is invoked by the runtime one or more times during a single
// dispatch; only the invocation with Final=true and non-empty Text is
// written back as a reply message.
type DeliverFunc func(payload ReplyPayload) error

// Runtime is the only surface the dispatcher uses to hand work to the
// agent host process. It is supplied by the caller embedding this package;
// the dispatcher never assumes anything about how replies are produced.
type Runtime interface {
	// Format adds a channel/sender/timestamp envelope around body.
	Format(headers map[string]string, body string) string

	// BuildInboundContext normalizes env into whatever the runtime consumes.
	BuildInboundContext(ctx context.Context, env Envelope) (any, error)

	// RecordInboundSession is a best-effort hook; a failure here is a
	// warning and does not abort dispatch.
	RecordInboundSession(sessionKey string, runtimeContext any) error

	// DispatchReply runs the agent turn, invoking deliver one or more
	// times. onError is called if the turn itself fails outright.
	DispatchReply(ctx context.Context, runtimeContext any, deliver DeliverFunc, onError func(error)) error
}
