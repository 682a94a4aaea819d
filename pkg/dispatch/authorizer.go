package dispatch

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/hollis/molt/internal/metrics"
	"github.com/hollis/molt/pkg/command"
)

// Authorizer decides per command whether a sender may proceed. Denials are
// always silent: an unauthorized sender must not learn that a privileged
// command exists and was recognized.
type Authorizer struct {
	logger zerolog.Logger
}

// NewAuthorizer creates an authorizer.
func NewAuthorizer(logger zerolog.Logger) *Authorizer {
	return &Authorizer{logger: logger}
}

// Allow reports whether the sender in dctx may run cmd.
//
// Abort is ungated: it is cheap and safety-oriented, so any sender may
// trigger it. Activation additionally requires owner-list membership when
// the surface carries a non-empty owner list.
func (a *Authorizer) Allow(cmd command.Command, dctx *Context) bool {
	switch cmd.Kind {
	case command.KindAbort:
		return true

	case command.KindActivation:
		if !dctx.Authorized {
			a.deny(cmd, dctx)
			return false
		}
		if len(dctx.Owners) > 0 && !containsIdentity(dctx.Owners, dctx.Sender) {
			a.deny(cmd, dctx)
			return false
		}
		return true

	default:
		if !dctx.Authorized {
			a.deny(cmd, dctx)
			return false
		}
		return true
	}
}

func (a *Authorizer) deny(cmd command.Command, dctx *Context) {
	a.logger.Warn().
		Str("command", string(cmd.Kind)).
		Str("sender", dctx.senderLabel()).
		Str("session_key", dctx.SessionKey).
		Msg("Unauthorized command denied")
	metrics.RecordDenied(string(cmd.Kind))
}

// Identity lists are matched case-insensitively everywhere senders are
// compared against configuration; chat usernames do not preserve case.
func containsIdentity(list []string, identity string) bool {
	if identity == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, identity) {
			return true
		}
	}
	return false
}
