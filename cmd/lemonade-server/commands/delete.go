package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete MODEL",
		Short: "Delete a model's downloaded artifacts",
		Long: `Delete a model's artifacts from the local cache. User registered models
are also removed from the catalog.

Examples:
  lemonade-server delete Qwen3-0.6B-GGUF`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, args[0])
		},
	}
}

func runDelete(cmd *cobra.Command, name string) error {
	if err := initRuntime(0); err != nil {
		return err
	}

	d, ok := registry.Lookup(name)
	if !ok {
		return fmt.Errorf("model %q not found", name)
	}
	backend, ok := backends[d.Recipe]
	if !ok {
		return fmt.Errorf("no backend for recipe %q", d.Recipe)
	}

	if err := backend.DeleteModel(d); err != nil {
		return fmt.Errorf("deleting model: %w", err)
	}
	if d.IsUserModel() {
		if err := registry.UnregisterUser(d.Name); err != nil {
			return err
		}
	}
	cmd.Printf("Deleted model: %s\n", d.Name)
	return nil
}
