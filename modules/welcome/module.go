// Package welcome greets users who open a conversation with the bot.
package welcome

import (
	"context"
	"fmt"

	"otogi-markov/pkg/otogi"
)

const startCommandName = "start"

// Greeting is sent in reply to /start.
const Greeting = "Hi! Add me to a group as an administrator to begin your Markov adventure.\n" +
	"Want to know more? Use /help."

// Module sends the greeting when it receives a "/start" command event.
type Module struct {
	dispatcher otogi.SinkDispatcher
}

// New creates a welcome module.
func New() *Module {
	return &Module{}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "welcome"
}

// Spec declares interest in received start command events.
func (m *Module) Spec() otogi.ModuleSpec {
	return otogi.ModuleSpec{
		Handlers: []otogi.ModuleHandler{
			{
				Capability: otogi.Capability{
					Name:        "start-command-handler",
					Description: "greets users on /start",
					Interest: otogi.InterestSet{
						Kinds:          []otogi.EventKind{otogi.EventKindCommandReceived},
						RequireCommand: true,
						CommandNames:   []string{startCommandName},
						RequireArticle: true,
					},
					RequiredServices: []string{otogi.ServiceSinkDispatcher},
				},
				Subscription: otogi.NewDefaultSubscriptionSpec("welcome-commands"),
				Handler:      m.handleCommand,
			},
		},
		Commands: []otogi.CommandSpec{
			{
				Prefix:      otogi.CommandPrefixOrdinary,
				Name:        startCommandName,
				Description: "say hello",
			},
		},
	}
}

// OnRegister resolves the sink dispatcher.
func (m *Module) OnRegister(_ context.Context, runtime otogi.ModuleRuntime) error {
	dispatcher, err := otogi.ResolveAs[otogi.SinkDispatcher](
		runtime.Services(),
		otogi.ServiceSinkDispatcher,
	)
	if err != nil {
		return fmt.Errorf("welcome resolve outbound dispatcher: %w", err)
	}

	m.dispatcher = dispatcher

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown stops the module lifecycle.
func (m *Module) OnShutdown(_ context.Context) error {
	return nil
}

func (m *Module) handleCommand(ctx context.Context, event *otogi.Event) error {
	if event == nil || event.Command == nil || event.Article == nil {
		return nil
	}
	if event.Kind != otogi.EventKindCommandReceived {
		return nil
	}
	if event.Command.Name != startCommandName {
		return nil
	}

	target, err := otogi.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("welcome derive outbound target: %w", err)
	}
	_, err = m.dispatcher.SendMessage(ctx, otogi.SendMessageRequest{
		Target: target,
		Text:   Greeting,
	})
	if err != nil {
		return fmt.Errorf("welcome send greeting: %w", err)
	}

	return nil
}
