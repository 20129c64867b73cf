package otogi

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// CommandPrefix is the token that opens a command, such as "/".
type CommandPrefix string

// CommandPrefixOrdinary is the slash prefix used by bot commands.
const CommandPrefixOrdinary CommandPrefix = "/"

// ErrInvalidCommand marks command specs and invocations that cannot be used.
var ErrInvalidCommand = errors.New("otogi: invalid command")

// CommandCandidate is command-looking article text that has not yet been
// matched against a registered CommandSpec.
type CommandCandidate struct {
	Prefix CommandPrefix
	// Name is lower-cased, without prefix or "@mention".
	Name    string
	Mention string
	// Tokens are the whitespace separated words after the header.
	Tokens   []string
	RawInput string
}

// CommandInvocation is the payload of an EventKindCommandReceived event.
type CommandInvocation struct {
	Name    string
	Mention string
	// Value is Tokens joined by single spaces. /speak uses it as the seed.
	Value           string
	SourceEventID   string
	SourceEventKind EventKind
	RawInput        string
}

// Validate reports ErrInvalidCommand when a required field is empty.
func (c *CommandInvocation) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil invocation", ErrInvalidCommand)
	case NormalizeCommandName(c.Name) == "":
		return fmt.Errorf("%w: invocation without name", ErrInvalidCommand)
	case c.SourceEventID == "" || c.SourceEventKind == "":
		return fmt.Errorf("%w: invocation %s lacks its source event", ErrInvalidCommand, c.Name)
	}

	return nil
}

// CommandSpec is one command a module owns. Names are matched case
// insensitively and must be unique across modules.
type CommandSpec struct {
	Prefix CommandPrefix
	Name   string
	// Usage is an argument synopsis for help output, e.g. "[seed]".
	Usage       string
	Description string
}

// Validate checks that the spec could ever be matched by ParseCommandCandidate.
func (s CommandSpec) Validate() error {
	if s.Prefix != CommandPrefixOrdinary {
		return fmt.Errorf("%w %q: unsupported prefix %q", ErrInvalidCommand, s.Name, s.Prefix)
	}
	name := NormalizeCommandName(s.Name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCommand)
	}
	if strings.ContainsFunc(name, func(r rune) bool { return r == '@' || unicode.IsSpace(r) }) {
		return fmt.Errorf("%w %q: name contains a separator", ErrInvalidCommand, s.Name)
	}

	return nil
}

// ParseCommandCandidate splits "/name@mention tail..." into a candidate.
// matched is false for text that does not start with a prefix; a matched
// header without a name is an error.
func ParseCommandCandidate(text string) (candidate CommandCandidate, matched bool, err error) {
	candidate.RawInput = text
	header, tail := strings.TrimSpace(text), ""
	if split := strings.IndexFunc(header, unicode.IsSpace); split >= 0 {
		header, tail = header[:split], header[split:]
	}
	rest, ok := strings.CutPrefix(header, string(CommandPrefixOrdinary))
	if !ok {
		return candidate, false, nil
	}

	candidate.Prefix = CommandPrefixOrdinary
	name, mention, _ := strings.Cut(rest, "@")
	candidate.Name = NormalizeCommandName(name)
	candidate.Mention = strings.TrimSpace(mention)
	if candidate.Name == "" {
		return candidate, true, fmt.Errorf("parse command candidate: missing command name")
	}
	candidate.Tokens = strings.Fields(tail)

	return candidate, true, nil
}

// BindCommand turns a candidate into an invocation of spec, attributed to
// sourceEvent.
func BindCommand(candidate CommandCandidate, spec CommandSpec, sourceEvent *Event) (CommandInvocation, error) {
	if sourceEvent == nil {
		return CommandInvocation{}, fmt.Errorf("bind command %s: nil source event", spec.Name)
	}
	if err := spec.Validate(); err != nil {
		return CommandInvocation{}, fmt.Errorf("bind command: %w", err)
	}
	name := NormalizeCommandName(spec.Name)
	if candidate.Prefix != spec.Prefix || NormalizeCommandName(candidate.Name) != name {
		return CommandInvocation{}, fmt.Errorf(
			"bind command %s%s: candidate is %s%s",
			spec.Prefix, name, candidate.Prefix, candidate.Name,
		)
	}

	invocation := CommandInvocation{
		Name:            name,
		Mention:         candidate.Mention,
		Value:           strings.Join(candidate.Tokens, " "),
		SourceEventID:   sourceEvent.ID,
		SourceEventKind: sourceEvent.Kind,
		RawInput:        candidate.RawInput,
	}
	if err := invocation.Validate(); err != nil {
		return CommandInvocation{}, fmt.Errorf("bind command %s: %w", name, err)
	}

	return invocation, nil
}

// NormalizeCommandName is the canonical form used for command matching.
func NormalizeCommandName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
