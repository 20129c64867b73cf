package main

import (
	"slices"
	"strings"
	"testing"
)

func TestViolationsIn(t *testing.T) {
	t.Parallel()

	stream := strings.NewReader(`
{"ImportPath":"otogi-markov/modules/markov","Imports":["otogi-markov/pkg/otogi","context"]}
{"ImportPath":"otogi-markov/modules/markov [otogi-markov/modules/markov.test]","TestImports":["otogi-markov/internal/kernel"]}
{"ImportPath":"otogi-markov/internal/kernel","Imports":["otogi-markov/internal/blobstore"]}
{"ImportPath":"otogi-markov/internal/driver/telegram","Imports":["otogi-markov/internal/kernel"]}
`)

	got, err := violationsIn(stream)
	if err != nil {
		t.Fatalf("violationsIn failed: %v", err)
	}
	want := []string{
		"otogi-markov/internal/kernel -> otogi-markov/internal/blobstore (internal/kernel* must not import internal/blobstore*)",
		"otogi-markov/modules/markov -> otogi-markov/internal/kernel (modules/* must not import internal/*)",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("violations = %q, want %q", got, want)
	}
}

func TestViolationsInRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := violationsIn(strings.NewReader(`{"ImportPath":`)); err == nil {
		t.Fatal("expected decode error")
	}
}
