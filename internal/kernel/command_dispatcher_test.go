package kernel

import (
	"context"
	"strings"
	"testing"
	"time"

	"otogi-markov/pkg/otogi"
)

func TestCommandDerivingDispatcherPublishesSourceAndDerivedEvent(t *testing.T) {
	t.Parallel()

	bus, received := newRecordingBus(t)
	dispatcher := &commandDerivingDispatcher{
		base:          bus,
		lookupCommand: lookupOnly(otogi.CommandSpec{Prefix: otogi.CommandPrefixOrdinary, Name: "speak", Usage: "[seed]"}),
	}

	source := newSourceArticleEvent("evt-1", "msg-1", "/speak@otogi_bot  hello   world")
	if err := dispatcher.Publish(context.Background(), source); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	first := waitEvent(t, received)
	second := waitEvent(t, received)

	if first.Kind != otogi.EventKindArticleCreated {
		t.Fatalf("first kind = %s, want %s", first.Kind, otogi.EventKindArticleCreated)
	}
	if second.Kind != otogi.EventKindCommandReceived {
		t.Fatalf("second kind = %s, want %s", second.Kind, otogi.EventKindCommandReceived)
	}
	if second.ID != "evt-1#command" {
		t.Fatalf("derived id = %q, want evt-1#command", second.ID)
	}
	if second.Command == nil {
		t.Fatal("expected command payload")
	}
	if second.Command.Name != "speak" || second.Command.Mention != "otogi_bot" {
		t.Fatalf("command = %+v, want speak@otogi_bot", second.Command)
	}
	if second.Command.Value != "hello world" {
		t.Fatalf("command value = %q, want %q", second.Command.Value, "hello world")
	}
	if second.Command.SourceEventID != source.ID {
		t.Fatalf("source event id = %q, want %q", second.Command.SourceEventID, source.ID)
	}
	if second.Article == nil || second.Article.ID != "msg-1" {
		t.Fatalf("derived article = %+v, want msg-1", second.Article)
	}
	if second.Source != source.Source {
		t.Fatalf("derived source = %+v, want %+v", second.Source, source.Source)
	}
}

func TestCommandDerivingDispatcherPublishesOnlySource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{name: "plain text", text: "just chatting"},
		{name: "unregistered command", text: "/unknown 1"},
		{name: "bare prefix", text: "/ speak"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			bus, received := newRecordingBus(t)
			dispatcher := &commandDerivingDispatcher{
				base:          bus,
				lookupCommand: lookupOnly(otogi.CommandSpec{Prefix: otogi.CommandPrefixOrdinary, Name: "speak"}),
			}

			if err := dispatcher.Publish(context.Background(), newSourceArticleEvent("evt-2", "msg-2", testCase.text)); err != nil {
				t.Fatalf("publish failed: %v", err)
			}

			if first := waitEvent(t, received); first.Kind != otogi.EventKindArticleCreated {
				t.Fatalf("first kind = %s, want %s", first.Kind, otogi.EventKindArticleCreated)
			}
			select {
			case event := <-received:
				t.Fatalf("unexpected derived event: %+v", event)
			case <-time.After(200 * time.Millisecond):
			}
		})
	}
}

func TestCommandDerivingDispatcherRejectsNilEvent(t *testing.T) {
	t.Parallel()

	dispatcher := &commandDerivingDispatcher{lookupCommand: lookupOnly()}
	if err := dispatcher.Publish(context.Background(), nil); err == nil {
		t.Fatal("expected nil event error")
	}
}

func TestKernelRegisterModuleRejectsDuplicateCommandAcrossModules(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	moduleA := &journalModule{
		name: "command-a",
		spec: otogi.ModuleSpec{
			Commands: []otogi.CommandSpec{{Prefix: otogi.CommandPrefixOrdinary, Name: "speak"}},
		},
	}
	moduleB := &journalModule{
		name: "command-b",
		spec: otogi.ModuleSpec{
			Commands: []otogi.CommandSpec{{Prefix: otogi.CommandPrefixOrdinary, Name: "Speak"}},
		},
	}

	if err := kernelRuntime.RegisterModule(context.Background(), moduleA); err != nil {
		t.Fatalf("register module A failed: %v", err)
	}
	err := kernelRuntime.RegisterModule(context.Background(), moduleB)
	if err == nil {
		t.Fatal("expected duplicate command registration to fail")
	}
	if !strings.Contains(err.Error(), "already registered by module command-a") {
		t.Fatalf("error = %v, want duplicate registration error", err)
	}
	if _, found := kernelRuntime.lookupCommand(otogi.CommandPrefixOrdinary, "speak"); !found {
		t.Fatal("module A command lost after module B rollback")
	}
}

func TestCommandUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec otogi.CommandSpec
		want string
	}{
		{name: "no arguments", spec: otogi.CommandSpec{Prefix: otogi.CommandPrefixOrdinary, Name: "Clear_Data"}, want: "/clear_data"},
		{name: "with arguments", spec: otogi.CommandSpec{Prefix: otogi.CommandPrefixOrdinary, Name: "speak", Usage: " [seed] "}, want: "/speak [seed]"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := commandUsage(testCase.spec); got != testCase.want {
				t.Fatalf("commandUsage() = %q, want %q", got, testCase.want)
			}
		})
	}
}

func newRecordingBus(t *testing.T) (*EventBus, <-chan *otogi.Event) {
	t.Helper()

	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	received := make(chan *otogi.Event, 4)
	_, err := bus.Subscribe(
		context.Background(),
		otogi.InterestSet{},
		otogi.SubscriptionSpec{Name: "all-events", Buffer: 4, Workers: 1},
		func(_ context.Context, event *otogi.Event) error {
			received <- event
			return nil
		},
	)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	return bus, received
}

func lookupOnly(specs ...otogi.CommandSpec) func(otogi.CommandPrefix, string) (otogi.CommandSpec, bool) {
	return func(prefix otogi.CommandPrefix, name string) (otogi.CommandSpec, bool) {
		for _, spec := range specs {
			if spec.Prefix == prefix && spec.Name == name {
				return spec, true
			}
		}

		return otogi.CommandSpec{}, false
	}
}

func waitEvent(t *testing.T, events <-chan *otogi.Event) *otogi.Event {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func newSourceArticleEvent(id string, articleID string, text string) *otogi.Event {
	return &otogi.Event{
		ID:         id,
		Kind:       otogi.EventKindArticleCreated,
		OccurredAt: time.Unix(1_700_000_000, 0).UTC(),
		Source:     otogi.EventSource{Platform: otogi.PlatformTelegram, ID: "tg-main"},
		Conversation: otogi.Conversation{
			ID:   "-1001",
			Type: otogi.ConversationTypeGroup,
		},
		Actor:   otogi.Actor{ID: "42", Username: "alice"},
		Article: &otogi.Article{ID: articleID, Text: text},
	}
}
