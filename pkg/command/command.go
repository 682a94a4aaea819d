// Package command classifies inbound chat messages into control commands.
//
// Classification is pure: it maps a normalized message body to at most one
// tagged Command value plus its arguments. Authorization, state mutation and
// reply rendering are the dispatcher's concern.
package command

// Kind identifies which control command a message carries.
type Kind string

const (
	KindNone       Kind = ""
	KindReset      Kind = "reset"
	KindActivation Kind = "activation"
	KindSendPolicy Kind = "send"
	KindRestart    Kind = "restart"
	KindHelp       Kind = "help"
	KindStatus     Kind = "status"
	KindCompact    Kind = "compact"
	KindAbort      Kind = "abort"
)

// ActivationMode is the group activation argument of /activation.
type ActivationMode string

const (
	ActivationMention ActivationMode = "mention"
	ActivationAlways  ActivationMode = "always"
)

// SendMode is the argument of /send, already mapped to its internal value.
type SendMode string

const (
	SendAllow   SendMode = "allow"
	SendDeny    SendMode = "deny"
	SendInherit SendMode = "inherit"
)

// Command is the result of classifying one message. Fields beyond Kind are
// only meaningful for the kind that parses them.
type Command struct {
	Kind Kind

	// ActivationMode is set for KindActivation. Empty means the argument
	// was missing or unrecognized (command present, mode absent).
	ActivationMode ActivationMode

	// SendMode is set for KindSendPolicy. Empty means missing or invalid.
	SendMode SendMode

	// Instructions is the trimmed free text following /compact, if any.
	Instructions string
}

// Input carries the classification inputs for one message.
type Input struct {
	// Body is the trimmed, mention/prefix-stripped message text.
	Body string

	// StatusDirective triggers KindStatus independent of the literal text.
	// It is set upstream by inline-directive parsing.
	StatusDirective bool
}
