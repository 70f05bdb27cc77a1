package commands

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd)
		},
	}
}

func runStop(cmd *cobra.Command) error {
	base, ok := runningServer()
	if !ok {
		cmd.Println("Server is not running")
		return nil
	}

	resp, err := http.Post(base+"/internal/shutdown", "application/json", nil)
	if err != nil {
		return fmt.Errorf("requesting shutdown: %w", err)
	}
	resp.Body.Close()

	// The server acknowledges before it exits, so poll until it is gone.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, alive := runningServer(); !alive {
			cmd.Println("Server stopped")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("server did not stop within 10s")
}
