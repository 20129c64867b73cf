package kernel

import (
	"fmt"

	"otogi-markov/pkg/otogi"
)

// validateModuleSpec checks that capability names are present and unique
// across handlers and additional capabilities, that handlers are non-nil with
// unique subscription names, and that commands are valid and unique.
func validateModuleSpec(spec otogi.ModuleSpec) error {
	capabilities := make(map[string]struct{})
	claim := func(where, name string) error {
		if name == "" {
			return fmt.Errorf("%s: empty capability name", where)
		}
		if _, taken := capabilities[name]; taken {
			return fmt.Errorf("%s: duplicate capability name %s", where, name)
		}
		capabilities[name] = struct{}{}
		return nil
	}

	subscriptions := make(map[string]struct{})
	for position, handler := range spec.Handlers {
		if err := claim(fmt.Sprintf("module handler %d", position), handler.Capability.Name); err != nil {
			return err
		}
		if handler.Handler == nil {
			return fmt.Errorf("module handler %s: nil handler", handler.Capability.Name)
		}
		name := handler.Subscription.Name
		if name == "" {
			continue
		}
		if _, taken := subscriptions[name]; taken {
			return fmt.Errorf("module handler %s: duplicate subscription name %s", handler.Capability.Name, name)
		}
		subscriptions[name] = struct{}{}
	}
	for position, capability := range spec.AdditionalCapabilities {
		if err := claim(fmt.Sprintf("additional capability %d", position), capability.Name); err != nil {
			return err
		}
	}

	commands := make(map[string]struct{})
	for position, command := range spec.Commands {
		if err := command.Validate(); err != nil {
			return fmt.Errorf("module command %d: %w", position, err)
		}
		key := commandRegistryKey(command.Prefix, command.Name)
		if _, taken := commands[key]; taken {
			return fmt.Errorf("module command %d: duplicate command %s", position, formatCommandKey(command.Prefix, command.Name))
		}
		commands[key] = struct{}{}
	}

	return nil
}
