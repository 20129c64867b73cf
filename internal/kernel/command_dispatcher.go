package kernel

import (
	"context"
	"fmt"
	"strings"

	"otogi-markov/pkg/otogi"
)

type commandRegistration struct {
	moduleName string
	spec       otogi.CommandSpec
}

// registerModuleCommands validates and registers module-owned command specs.
//
// Registration is all-or-nothing: a conflict with another module leaves the
// command table untouched.
func (k *Kernel) registerModuleCommands(moduleName string, commands []otogi.CommandSpec) error {
	if len(commands) == 0 {
		return nil
	}

	normalized := make([]otogi.CommandSpec, 0, len(commands))
	seenInModule := make(map[string]struct{}, len(commands))
	for index, command := range commands {
		if err := command.Validate(); err != nil {
			return fmt.Errorf("register command[%d] for module %s: %w", index, moduleName, err)
		}

		command = cloneCommandSpec(command)
		key := commandRegistryKey(command.Prefix, command.Name)
		if _, exists := seenInModule[key]; exists {
			return fmt.Errorf(
				"register command %s for module %s: duplicate declaration",
				formatCommandKey(command.Prefix, command.Name),
				moduleName,
			)
		}
		seenInModule[key] = struct{}{}
		normalized = append(normalized, command)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, command := range normalized {
		existing, exists := k.commands[commandRegistryKey(command.Prefix, command.Name)]
		if exists {
			return fmt.Errorf(
				"register command %s for module %s: already registered by module %s",
				formatCommandKey(command.Prefix, command.Name),
				moduleName,
				existing.moduleName,
			)
		}
	}
	for _, command := range normalized {
		k.commands[commandRegistryKey(command.Prefix, command.Name)] = commandRegistration{
			moduleName: moduleName,
			spec:       command,
		}
	}

	return nil
}

// unregisterModuleCommands removes every command owned by one module.
func (k *Kernel) unregisterModuleCommands(moduleName string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key, registration := range k.commands {
		if registration.moduleName == moduleName {
			delete(k.commands, key)
		}
	}
}

// lookupCommand resolves one command spec by prefix and normalized name.
func (k *Kernel) lookupCommand(prefix otogi.CommandPrefix, name string) (otogi.CommandSpec, bool) {
	k.mu.RLock()
	registration, exists := k.commands[commandRegistryKey(prefix, name)]
	k.mu.RUnlock()
	if !exists {
		return otogi.CommandSpec{}, false
	}

	return registration.spec, true
}

// newDriverDispatcher returns the dispatcher handed to drivers: it publishes
// source events and derives command events for registered commands.
func (k *Kernel) newDriverDispatcher() otogi.EventDispatcher {
	return &commandDerivingDispatcher{
		base:          k.bus,
		lookupCommand: k.lookupCommand,
	}
}

// commandDerivingDispatcher publishes source events and derives command events.
type commandDerivingDispatcher struct {
	base          otogi.EventDispatcher
	lookupCommand func(prefix otogi.CommandPrefix, name string) (otogi.CommandSpec, bool)
}

// Publish forwards one source event and conditionally derives one command event.
//
// Unknown or malformed commands are not derived. The source article still
// reaches article subscribers, which decide for themselves whether to skip it.
func (d *commandDerivingDispatcher) Publish(ctx context.Context, event *otogi.Event) error {
	if event == nil {
		return fmt.Errorf("publish command deriving dispatcher: nil event")
	}
	if d.base == nil {
		return fmt.Errorf("publish command deriving dispatcher: nil base dispatcher")
	}

	if err := d.base.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish source event %s: %w", event.Kind, err)
	}

	if event.Kind != otogi.EventKindArticleCreated || event.Article == nil {
		return nil
	}
	candidate, matched, parseErr := otogi.ParseCommandCandidate(event.Article.Text)
	if !matched || parseErr != nil {
		return nil
	}

	spec, registered := d.lookupCommand(candidate.Prefix, candidate.Name)
	if !registered {
		return nil
	}

	invocation, err := otogi.BindCommand(candidate, spec, event)
	if err != nil {
		return fmt.Errorf("bind command %s: %w", candidate.Name, err)
	}

	if err := d.base.Publish(ctx, derivedCommandEvent(event, invocation)); err != nil {
		return fmt.Errorf("publish derived command %s: %w", invocation.Name, err)
	}

	return nil
}

func derivedCommandEvent(sourceEvent *otogi.Event, invocation otogi.CommandInvocation) *otogi.Event {
	article := *sourceEvent.Article

	return &otogi.Event{
		ID:           sourceEvent.ID + "#command",
		Kind:         otogi.EventKindCommandReceived,
		OccurredAt:   sourceEvent.OccurredAt,
		Source:       sourceEvent.Source,
		Conversation: sourceEvent.Conversation,
		Actor:        sourceEvent.Actor,
		Article:      &article,
		Command:      &invocation,
		Metadata:     cloneStringMap(sourceEvent.Metadata),
	}
}

func commandRegistryKey(prefix otogi.CommandPrefix, name string) string {
	return fmt.Sprintf("%s:%s", prefix, otogi.NormalizeCommandName(name))
}

func formatCommandKey(prefix otogi.CommandPrefix, name string) string {
	return fmt.Sprintf("%s%s", prefix, otogi.NormalizeCommandName(name))
}

func cloneCommandSpec(spec otogi.CommandSpec) otogi.CommandSpec {
	cloned := spec
	cloned.Name = otogi.NormalizeCommandName(spec.Name)
	cloned.Usage = strings.TrimSpace(spec.Usage)

	return cloned
}

func cloneStringMap(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}

	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}

	return cloned
}
