package otogi

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestParseCommandCandidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		text          string
		wantMatched   bool
		wantErrSubstr string
		wantName      string
		wantMention   string
		wantTokens    []string
	}{
		{
			name:        "command with mention and seed tokens",
			text:        " /Speak@MarkovBot hello world ",
			wantMatched: true,
			wantName:    "speak",
			wantMention: "MarkovBot",
			wantTokens:  []string{"hello", "world"},
		},
		{
			name:        "tab separated tail",
			text:        "/speak\tonce upon",
			wantMatched: true,
			wantName:    "speak",
			wantTokens:  []string{"once", "upon"},
		},
		{
			name:        "bare command",
			text:        "/toggle_learning",
			wantMatched: true,
			wantName:    "toggle_learning",
		},
		{
			name:        "plain text",
			text:        "hello /speak",
			wantMatched: false,
		},
		{
			name:        "blank text",
			text:        "   ",
			wantMatched: false,
		},
		{
			name:          "missing command name",
			text:          "/@bot",
			wantMatched:   true,
			wantErrSubstr: "missing command name",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			candidate, matched, err := ParseCommandCandidate(testCase.text)
			if matched != testCase.wantMatched {
				t.Fatalf("matched = %v, want %v", matched, testCase.wantMatched)
			}
			if testCase.wantErrSubstr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstr) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !matched {
				return
			}
			if candidate.Name != testCase.wantName {
				t.Fatalf("name = %q, want %q", candidate.Name, testCase.wantName)
			}
			if candidate.Mention != testCase.wantMention {
				t.Fatalf("mention = %q, want %q", candidate.Mention, testCase.wantMention)
			}
			if !slices.Equal(candidate.Tokens, testCase.wantTokens) {
				t.Fatalf("tokens = %v, want %v", candidate.Tokens, testCase.wantTokens)
			}
		})
	}
}

func TestBindCommand(t *testing.T) {
	t.Parallel()

	source := &Event{
		ID:         "evt-1",
		Kind:       EventKindArticleCreated,
		OccurredAt: time.Unix(1, 0).UTC(),
	}
	spec := CommandSpec{Prefix: CommandPrefixOrdinary, Name: "speak"}

	tests := []struct {
		name      string
		text      string
		source    *Event
		wantValue string
		wantErr   bool
	}{
		{
			name:      "tail tokens become value",
			text:      "/speak  the   quick fox",
			source:    source,
			wantValue: "the quick fox",
		},
		{
			name:   "no tail",
			text:   "/speak",
			source: source,
		},
		{
			name:    "name mismatch",
			text:    "/help",
			source:  source,
			wantErr: true,
		},
		{
			name:    "nil source",
			text:    "/speak",
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			candidate, matched, err := ParseCommandCandidate(testCase.text)
			if !matched || err != nil {
				t.Fatalf("parse %q: matched=%v err=%v", testCase.text, matched, err)
			}

			invocation, err := BindCommand(candidate, spec, testCase.source)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if invocation.Value != testCase.wantValue {
				t.Fatalf("value = %q, want %q", invocation.Value, testCase.wantValue)
			}
			if invocation.SourceEventID != source.ID {
				t.Fatalf("source event id = %q, want %q", invocation.SourceEventID, source.ID)
			}
		})
	}
}

func TestCommandSpecValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    CommandSpec
		wantErr bool
	}{
		{name: "valid", spec: CommandSpec{Prefix: CommandPrefixOrdinary, Name: "clear_data"}},
		{name: "missing prefix", spec: CommandSpec{Name: "speak"}, wantErr: true},
		{name: "blank name", spec: CommandSpec{Prefix: CommandPrefixOrdinary, Name: " "}, wantErr: true},
		{name: "name with mention", spec: CommandSpec{Prefix: CommandPrefixOrdinary, Name: "a@b"}, wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.spec.Validate()
			if (err != nil) != testCase.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, testCase.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCommand) {
				t.Fatalf("Validate() error = %v, want ErrInvalidCommand", err)
			}
		})
	}
}
