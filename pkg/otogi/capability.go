package otogi

import (
	"slices"
	"strings"
)

// Capability is one named thing a module declares it can do: the events it
// consumes and the services it cannot run without.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
}

// InterestSet filters events. Empty slices and false flags match anything.
type InterestSet struct {
	Kinds []EventKind
	// Sources treats an empty Platform or ID as a wildcard. IDs compare
	// case insensitively.
	Sources        []EventSource
	RequireArticle bool
	RequireCommand bool
	// CommandNames implies a command payload and matches normalized names.
	CommandNames []string
}

// Matches reports whether event passes every filter in i.
func (i InterestSet) Matches(event *Event) bool {
	switch {
	case event == nil:
		return false
	case len(i.Kinds) > 0 && !slices.Contains(i.Kinds, event.Kind):
		return false
	case len(i.Sources) > 0 && !slices.ContainsFunc(i.Sources, sourceFilter(event.Source)):
		return false
	case i.RequireArticle && event.Article == nil:
		return false
	case i.RequireCommand && event.Command == nil:
		return false
	case len(i.CommandNames) > 0:
		return event.Command != nil && containsCommandName(i.CommandNames, event.Command.Name)
	}

	return true
}

// Allows reports whether filter is at least as narrow as i, which is what a
// capability needs before a module may subscribe with filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 && !subsetOf(filter.Kinds, func(kind EventKind) bool { return slices.Contains(i.Kinds, kind) }) {
		return false
	}
	if (i.RequireArticle && !filter.RequireArticle) || (i.RequireCommand && !filter.RequireCommand) {
		return false
	}
	if len(i.CommandNames) > 0 && !subsetOf(filter.CommandNames, func(name string) bool { return containsCommandName(i.CommandNames, name) }) {
		return false
	}

	return true
}

// subsetOf is false for an empty narrower set, since that would widen the
// filter back to everything.
func subsetOf[T any](narrower []T, allowed func(T) bool) bool {
	if len(narrower) == 0 {
		return false
	}
	for _, item := range narrower {
		if !allowed(item) {
			return false
		}
	}

	return true
}

func containsCommandName(names []string, target string) bool {
	target = NormalizeCommandName(target)
	return slices.ContainsFunc(names, func(name string) bool { return NormalizeCommandName(name) == target })
}

func sourceFilter(source EventSource) func(EventSource) bool {
	return func(filter EventSource) bool {
		if filter.Platform != "" && filter.Platform != source.Platform {
			return false
		}
		return filter.ID == "" || strings.EqualFold(filter.ID, source.ID)
	}
}
