// lemonade-server is a local LLM gateway. It serves an OpenAI compatible
// HTTP API backed by llama.cpp and FastFlowLM engines running on this
// machine.
package main

import (
	"os"

	"github.com/lemonade-sdk/lemonade/cmd/lemonade-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
