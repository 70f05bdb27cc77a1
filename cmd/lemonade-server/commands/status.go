package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lemonade-sdk/lemonade/pkg/instance"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
}

func runStatus(cmd *cobra.Command) error {
	info, ok := instance.Read(instance.DefaultPath())
	if !ok {
		return fmt.Errorf("server is not running")
	}
	if _, alive := runningServer(); !alive {
		return fmt.Errorf("server is not running (stale lock file, pid %d)", info.Pid)
	}
	cmd.Printf("Server is running on port %d (pid %d)\n", info.Port, info.Pid)
	return nil
}
