// Command archcheck fails when a package imports across a forbidden layer
// boundary. It reads the import graph from `go list -json -test ./...`.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

const modulePrefix = "otogi-markov/"

// boundary forbids packages under from (relative to the module root) from
// importing anything under to.
type boundary struct {
	from, to string
}

var boundaries = []boundary{
	{"pkg/", "internal/"},
	{"pkg/", "modules/"},
	{"modules/", "internal/"},
	{"internal/kernel", "internal/driver"},
	{"internal/kernel", "internal/blobstore"},
	{"internal/blobstore", "internal/driver"},
	{"internal/driver", "internal/blobstore"},
}

type goPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	violations, err := check()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}
	if len(violations) == 0 {
		fmt.Println("arch-check: passed")
		return
	}

	fmt.Println("arch-check: architecture violations:")
	for _, violation := range violations {
		fmt.Printf("  - %s\n", violation)
	}
	os.Exit(1)
}

func check() ([]string, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	cmd.Stderr = os.Stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("go list: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("go list: %w", err)
	}

	violations, decodeErr := violationsIn(out)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("go list: %w", err)
	}

	return violations, decodeErr
}

// violationsIn decodes a stream of go list records and returns each
// offending import edge once, sorted.
func violationsIn(stream io.Reader) ([]string, error) {
	found := make(map[string]struct{})
	decoder := json.NewDecoder(stream)
	for {
		var pkg goPackage
		err := decoder.Decode(&pkg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode go list output: %w", err)
		}

		importer := basePackage(pkg.ImportPath)
		for _, imported := range slices.Concat(pkg.Imports, pkg.TestImports, pkg.XTestImports) {
			if rule, broken := crossedBoundary(importer, imported); broken {
				found[fmt.Sprintf("%s -> %s (%s* must not import %s*)", importer, imported, rule.from, rule.to)] = struct{}{}
			}
		}
	}

	return slices.Sorted(maps.Keys(found)), nil
}

// basePackage strips the test variant decorations go list adds, such as
// ".test" and " [pkg.test]".
func basePackage(importPath string) string {
	importPath, _, _ = strings.Cut(importPath, " [")
	return strings.TrimSuffix(importPath, ".test")
}

func crossedBoundary(importer, imported string) (boundary, bool) {
	for _, rule := range boundaries {
		if strings.HasPrefix(importer, modulePrefix+rule.from) && strings.HasPrefix(imported, modulePrefix+rule.to) {
			return rule, true
		}
	}

	return boundary{}, false
}
