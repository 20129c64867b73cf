package kernel

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"otogi-markov/pkg/otogi"
)

func TestModuleSinkDispatcherRouting(t *testing.T) {
	t.Parallel()

	routed := &otogi.EventSink{Platform: otogi.PlatformTelegram, ID: "tg-main"}
	tests := []struct {
		name     string
		sink     *otogi.EventSink
		fallback *otogi.EventSink
		wantSink string
	}{
		{name: "default applied", fallback: routed, wantSink: "tg-main"},
		{name: "explicit sink kept", sink: &otogi.EventSink{ID: "tg-backup"}, fallback: routed, wantSink: "tg-backup"},
		{name: "no route", wantSink: ""},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			services := NewServiceRegistry()
			capture := &captureSinkDispatcher{}
			if err := services.Register(otogi.ServiceSinkDispatcher, capture); err != nil {
				t.Fatalf("register sink dispatcher failed: %v", err)
			}
			registry := moduleServiceRegistry{base: services, moduleName: "markov", defaultSink: testCase.fallback}

			dispatcher, err := otogi.ResolveAs[otogi.SinkDispatcher](registry, otogi.ServiceSinkDispatcher)
			if err != nil {
				t.Fatalf("resolve sink dispatcher failed: %v", err)
			}
			_, err = dispatcher.SendMessage(context.Background(), otogi.SendMessageRequest{
				Target: otogi.OutboundTarget{
					Conversation: otogi.Conversation{ID: "1", Type: otogi.ConversationTypeGroup},
					Sink:         testCase.sink,
				},
				Text: "hello",
			})
			if err != nil {
				t.Fatalf("send message failed: %v", err)
			}

			got := ""
			if capture.lastTarget.Sink != nil {
				got = capture.lastTarget.Sink.ID
			}
			if got != testCase.wantSink {
				t.Fatalf("sink id = %q, want %q", got, testCase.wantSink)
			}
		})
	}
}

func TestModuleServiceRegistryScopesLogger(t *testing.T) {
	t.Parallel()

	var output bytes.Buffer
	services := NewServiceRegistry()
	if err := services.Register(otogi.ServiceLogger, slog.New(slog.NewTextHandler(&output, nil))); err != nil {
		t.Fatalf("register logger failed: %v", err)
	}

	logger, err := otogi.ResolveAs[*slog.Logger](moduleServiceRegistry{base: services, moduleName: "markov"}, otogi.ServiceLogger)
	if err != nil {
		t.Fatalf("resolve logger failed: %v", err)
	}
	logger.Info("hello")

	if !strings.Contains(output.String(), "module=markov") {
		t.Fatalf("log output = %q, want module=markov", output.String())
	}
}

func TestCapabilitiesAllow(t *testing.T) {
	t.Parallel()

	articles := otogi.Capability{
		Name:     "learn",
		Interest: otogi.InterestSet{Kinds: []otogi.EventKind{otogi.EventKindArticleCreated}},
	}
	if !capabilitiesAllow([]otogi.Capability{articles}, otogi.InterestSet{Kinds: []otogi.EventKind{otogi.EventKindArticleCreated}}) {
		t.Fatal("declared interest rejected")
	}
	if capabilitiesAllow([]otogi.Capability{articles}, otogi.InterestSet{Kinds: []otogi.EventKind{otogi.EventKindCommandReceived}}) {
		t.Fatal("undeclared interest allowed")
	}
	if capabilitiesAllow(nil, otogi.InterestSet{}) {
		t.Fatal("module without capabilities allowed to subscribe")
	}
}

type captureSinkDispatcher struct {
	lastTarget otogi.OutboundTarget
}

func (d *captureSinkDispatcher) SendMessage(
	_ context.Context,
	request otogi.SendMessageRequest,
) (*otogi.OutboundMessage, error) {
	d.lastTarget = request.Target
	return &otogi.OutboundMessage{
		ID:     "1",
		Target: request.Target,
	}, nil
}
