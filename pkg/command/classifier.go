package command

import (
	"regexp"
	"strings"
)

// AbortTrigger reports whether a message body is an abort request. The
// trigger phrase set is owned by the surrounding system, not by the
// classifier; abort is the only command without a slash token.
type AbortTrigger func(body string) bool

// Classifier maps message bodies to control commands using a fixed priority:
// Reset/New > Activation > SendPolicy > Restart > Help > Status > Compact >
// Abort > None. The first matching trigger wins.
type Classifier struct {
	abortTrigger AbortTrigger
}

// NewClassifier creates a classifier. abortTrigger may be nil, in which case
// no message classifies as KindAbort.
func NewClassifier(abortTrigger AbortTrigger) *Classifier {
	return &Classifier{abortTrigger: abortTrigger}
}

var (
	resetRe      = regexp.MustCompile(`(?i)^/(reset|new)$`)
	activationRe = regexp.MustCompile(`(?i)^/activation(?:\s+(.*))?$`)
	sendRe       = regexp.MustCompile(`(?i)^/send(?:\s+(.*))?$`)
	restartRe    = regexp.MustCompile(`(?i)^/restart(?:\s.*)?$`)
	helpRe       = regexp.MustCompile(`(?i)(?:^|\s)/help(?:$|[\s:])`)
	statusRe     = regexp.MustCompile(`(?i)^/status$`)
	compactRe    = regexp.MustCompile(`(?i)^/compact(?::|\s|$)`)

	compactArgsRe = regexp.MustCompile(`(?i)^/compact:?\s*(.*)$`)

	// controlTokenRe is the superset matcher behind HasControlCommand. It
	// also accepts synonym directives (think, verbose, model, queue, ...)
	// that are parsed elsewhere but still mark a message as carrying a
	// control command.
	controlTokenRe = regexp.MustCompile(`(?i)(?:^|\s)/(help|status|restart|activation|send|reset|new|compact|thinking|think|t|verbose|v|elevated|elev|model|queue)(?:$|[\s:])`)
)

// Classify returns the first command whose trigger matches, or KindNone.
// in.Body is expected to be trimmed and mention/prefix-stripped already;
// Classify trims again defensively since the contract is word-exactness.
func (c *Classifier) Classify(in Input) Command {
	body := strings.TrimSpace(in.Body)

	if resetRe.MatchString(body) {
		return Command{Kind: KindReset}
	}
	if m := activationRe.FindStringSubmatch(body); m != nil {
		return Command{Kind: KindActivation, ActivationMode: parseActivationMode(m[1])}
	}
	if m := sendRe.FindStringSubmatch(body); m != nil {
		return Command{Kind: KindSendPolicy, SendMode: parseSendMode(m[1])}
	}
	if restartRe.MatchString(body) {
		return Command{Kind: KindRestart}
	}
	// Help matches anywhere in the text, not just as the whole message.
	if helpRe.MatchString(body) {
		return Command{Kind: KindHelp}
	}
	if in.StatusDirective || statusRe.MatchString(body) {
		return Command{Kind: KindStatus}
	}
	if compactRe.MatchString(body) {
		return Command{Kind: KindCompact, Instructions: CompactInstructions(body)}
	}
	// Abort is a trigger-phrase check, evaluated only after nothing else
	// matched.
	if c.abortTrigger != nil && c.abortTrigger(body) {
		return Command{Kind: KindAbort}
	}
	return Command{Kind: KindNone}
}

// HasControlCommand reports whether text contains any control token,
// including synonym directive forms not dispatched by Classify. Upstream
// uses it to decide whether inline-directive stripping should run before
// classification, so it must stay a superset of the Classify triggers.
func HasControlCommand(text string) bool {
	return controlTokenRe.MatchString(text)
}

// CompactInstructions extracts the trimmed free text following /compact and
// an optional leading colon. Empty means no custom instructions.
func CompactInstructions(body string) string {
	m := compactArgsRe.FindStringSubmatch(strings.TrimSpace(body))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func parseActivationMode(arg string) ActivationMode {
	fields := strings.Fields(strings.ToLower(arg))
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "mention":
		return ActivationMention
	case "always":
		return ActivationAlways
	default:
		// Unrecognized argument: command present, mode absent.
		return ""
	}
}

func parseSendMode(arg string) SendMode {
	fields := strings.Fields(strings.ToLower(arg))
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "on":
		return SendAllow
	case "off":
		return SendDeny
	case "inherit":
		return SendInherit
	default:
		return ""
	}
}
