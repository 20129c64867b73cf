package otogi

import "context"

// ServiceCommandCatalog is the service registry key for command discovery.
const ServiceCommandCatalog = "otogi.command_catalog"

// RegisteredCommand describes one runtime command registration.
type RegisteredCommand struct {
	// ModuleName identifies which module registered this command.
	ModuleName string
	// Command is the registered command specification.
	Command CommandSpec
}

// CommandCatalog provides read access to registered command specifications.
type CommandCatalog interface {
	// ListCommands returns a copy of all registered command entries.
	ListCommands(ctx context.Context) ([]RegisteredCommand, error)
}
