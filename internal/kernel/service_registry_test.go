package kernel

import (
	"errors"
	"testing"

	"otogi-markov/pkg/otogi"
)

func TestServiceRegistry(t *testing.T) {
	t.Parallel()

	var nilStore *struct{}
	tests := []struct {
		name    string
		setup   map[string]any
		service any
		key     string
		wantErr error
		wantAny bool
	}{
		{name: "register then resolve", key: "otogi.logger", service: "logger"},
		{
			name:    "second registration rejected",
			setup:   map[string]any{"otogi.blob_store": "bolt"},
			key:     "otogi.blob_store",
			service: "drive",
			wantErr: otogi.ErrServiceAlreadyRegistered,
		},
		{name: "empty name", key: "", service: "x", wantAny: true},
		{name: "nil service", key: "svc", service: nil, wantAny: true},
		{name: "typed nil pointer", key: "svc", service: nilStore, wantAny: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			registry := NewServiceRegistry()
			for name, service := range testCase.setup {
				if err := registry.Register(name, service); err != nil {
					t.Fatalf("setup register %s failed: %v", name, err)
				}
			}

			err := registry.Register(testCase.key, testCase.service)
			switch {
			case testCase.wantErr != nil:
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("register error = %v, want %v", err, testCase.wantErr)
				}
				resolved, resolveErr := registry.Resolve(testCase.key)
				if resolveErr != nil || resolved != testCase.setup[testCase.key] {
					t.Fatalf("resolve = (%v, %v), want first registration kept", resolved, resolveErr)
				}
			case testCase.wantAny:
				if err == nil {
					t.Fatal("expected register error")
				}
			default:
				if err != nil {
					t.Fatalf("register failed: %v", err)
				}
				resolved, resolveErr := registry.Resolve(testCase.key)
				if resolveErr != nil || resolved != testCase.service {
					t.Fatalf("resolve = (%v, %v), want %v", resolved, resolveErr, testCase.service)
				}
			}
		})
	}
}

func TestServiceRegistryResolveMissing(t *testing.T) {
	t.Parallel()

	registry := NewServiceRegistry()
	if _, err := registry.Resolve("otogi.member_directory"); !errors.Is(err, otogi.ErrServiceNotFound) {
		t.Fatalf("resolve error = %v, want %v", err, otogi.ErrServiceNotFound)
	}
	if _, err := registry.Resolve(""); err == nil {
		t.Fatal("expected empty name error")
	}
}
