// Package help answers /help with the commands registered in the kernel.
package help

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"otogi-markov/pkg/otogi"
)

const (
	helpCommandName = "help"
	helpHeader      = "You can use the following commands:"
	helpEmpty       = "No commands are available."
)

// Option configures the help module.
type Option func(*Module)

// WithFooter appends text after the command list, e.g. a contact line.
func WithFooter(footer string) Option {
	return func(module *Module) {
		module.footer = strings.TrimSpace(footer)
	}
}

// Module lists every registered command when it receives /help.
type Module struct {
	footer     string
	dispatcher otogi.SinkDispatcher
	catalog    otogi.CommandCatalog
}

// New creates a help module.
func New(options ...Option) *Module {
	module := &Module{}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "help"
}

// Spec declares the /help command and its handler.
func (m *Module) Spec() otogi.ModuleSpec {
	return otogi.ModuleSpec{
		Handlers: []otogi.ModuleHandler{
			{
				Capability: otogi.Capability{
					Name:        "help-command-handler",
					Description: "lists registered commands",
					Interest: otogi.InterestSet{
						Kinds:          []otogi.EventKind{otogi.EventKindCommandReceived},
						RequireCommand: true,
						CommandNames:   []string{helpCommandName},
						RequireArticle: true,
					},
					RequiredServices: []string{
						otogi.ServiceSinkDispatcher,
						otogi.ServiceCommandCatalog,
					},
				},
				Subscription: otogi.NewDefaultSubscriptionSpec("help-commands"),
				Handler:      m.handleCommand,
			},
		},
		Commands: []otogi.CommandSpec{
			{
				Prefix:      otogi.CommandPrefixOrdinary,
				Name:        helpCommandName,
				Description: "show this message",
			},
		},
	}
}

// OnRegister resolves the sink dispatcher and the command catalog.
func (m *Module) OnRegister(_ context.Context, runtime otogi.ModuleRuntime) error {
	dispatcher, err := otogi.ResolveAs[otogi.SinkDispatcher](runtime.Services(), otogi.ServiceSinkDispatcher)
	if err != nil {
		return fmt.Errorf("help resolve outbound dispatcher: %w", err)
	}
	catalog, err := otogi.ResolveAs[otogi.CommandCatalog](runtime.Services(), otogi.ServiceCommandCatalog)
	if err != nil {
		return fmt.Errorf("help resolve command catalog: %w", err)
	}

	m.dispatcher = dispatcher
	m.catalog = catalog

	return nil
}

// OnStart is a no-op.
func (m *Module) OnStart(context.Context) error {
	return nil
}

// OnShutdown is a no-op.
func (m *Module) OnShutdown(context.Context) error {
	return nil
}

func (m *Module) handleCommand(ctx context.Context, event *otogi.Event) error {
	if event == nil || event.Command == nil || event.Command.Name != helpCommandName {
		return nil
	}

	commands, err := m.catalog.ListCommands(ctx)
	if err != nil {
		return fmt.Errorf("help list commands: %w", err)
	}
	target, err := otogi.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("help derive outbound target: %w", err)
	}

	if _, err := m.dispatcher.SendMessage(ctx, otogi.SendMessageRequest{
		Target: target,
		Text:   renderHelp(commands, m.footer),
	}); err != nil {
		return fmt.Errorf("help send help message: %w", err)
	}

	return nil
}

// renderHelp writes one "/name usage - description" line per command in
// alphabetical order between the header and the optional footer.
func renderHelp(commands []otogi.RegisteredCommand, footer string) string {
	var body strings.Builder
	if len(commands) == 0 {
		body.WriteString(helpEmpty)
	} else {
		sorted := slices.Clone(commands)
		slices.SortFunc(sorted, func(left, right otogi.RegisteredCommand) int {
			return cmp.Or(
				cmp.Compare(commandLabel(left.Command), commandLabel(right.Command)),
				cmp.Compare(left.ModuleName, right.ModuleName),
			)
		})

		body.WriteString(helpHeader)
		body.WriteString("\n")
		for _, registered := range sorted {
			body.WriteString("\n")
			body.WriteString(commandLabel(registered.Command))
			if usage := strings.TrimSpace(registered.Command.Usage); usage != "" {
				body.WriteString(" " + usage)
			}
			if description := strings.TrimSpace(registered.Command.Description); description != "" {
				body.WriteString(" - " + description)
			}
		}
	}
	if footer != "" {
		body.WriteString("\n\n")
		body.WriteString(footer)
	}

	return body.String()
}

func commandLabel(command otogi.CommandSpec) string {
	return string(command.Prefix) + strings.ToLower(strings.TrimSpace(command.Name))
}

var (
	_ otogi.Module          = (*Module)(nil)
	_ otogi.ModuleRegistrar = (*Module)(nil)
)
