package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run MODEL",
		Short: "Load a model and chat with it interactively",
		Long: `Load a model on the running server and start an interactive chat.
Type "exit" or press Ctrl+D to leave.

Examples:
  lemonade-server run Qwen3-0.6B-GGUF`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0])
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func runRun(cmd *cobra.Command, name string) error {
	base, ok := runningServer()
	if !ok {
		return fmt.Errorf("server is not running; start it with \"lemonade-server serve\"")
	}

	cmd.Printf("Loading %s...\n", name)
	if err := postJSON(base+"/api/v1/load", map[string]string{"model_name": name}); err != nil {
		return err
	}
	cmd.Println("Ready. Type a message, or \"exit\" to quit.")

	var history []chatMessage
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stdout, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		history = append(history, chatMessage{Role: "user", Content: line})
		reply, err := streamChat(cmd, base, name, history)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			history = history[:len(history)-1]
			continue
		}
		history = append(history, chatMessage{Role: "assistant", Content: reply})
	}
	fmt.Fprintln(os.Stdout)
	return scanner.Err()
}

// streamChat sends one chat turn and prints the streamed reply as it
// arrives. It returns the full assistant message for the history.
func streamChat(cmd *cobra.Command, base, model string, history []chatMessage) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":    model,
		"messages": history,
		"stream":   true,
	})
	if err != nil {
		return "", err
	}

	resp, err := http.Post(base+"/api/v1/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := readErrorMessage(resp)
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}

	var reply strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		delta := gjson.Get(payload, "choices.0.delta.content")
		if delta.Exists() {
			fmt.Fprint(os.Stdout, delta.String())
			reply.WriteString(delta.String())
		}
	}
	fmt.Fprintln(os.Stdout)
	return reply.String(), scanner.Err()
}

func postJSON(url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := readErrorMessage(resp)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func readErrorMessage(resp *http.Response) (string, error) {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", err
	}
	return envelope.Error.Message, nil
}
