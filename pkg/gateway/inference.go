package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// handleInference builds the handler for one inference endpoint. The
// body is validated, topped up with stored generation defaults, and
// dispatched through the router.
func (g *Gateway) handleInference(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, kindBadRequest, "failed to read request body")
			return
		}
		if !gjson.ValidBytes(body) {
			writeError(w, http.StatusBadRequest, kindBadRequest, "malformed JSON body")
			return
		}

		// The two token limit spellings are mutually exclusive.
		if gjson.GetBytes(body, "max_tokens").Exists() &&
			gjson.GetBytes(body, "max_completion_tokens").Exists() {
			writeError(w, http.StatusBadRequest, kindBadRequest,
				"max_tokens and max_completion_tokens cannot both be set")
			return
		}

		body = g.applyParamDefaults(body)

		if err := g.router.Dispatch(r.Context(), w, endpoint, body); err != nil {
			writeMappedError(w, err)
			return
		}
	}
}

// applyParamDefaults fills generation parameters configured via POST
// /params into the request body, without overriding explicit values.
func (g *Gateway) applyParamDefaults(body []byte) []byte {
	g.paramsMu.RLock()
	defer g.paramsMu.RUnlock()
	for key, value := range g.params {
		if gjson.GetBytes(body, key).Exists() {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			continue
		}
		if updated, err := sjson.SetRawBytes(body, key, raw); err == nil {
			body = updated
		}
	}
	return body
}

// reservedEngineArgs are llama-server flags the gateway manages itself.
// User supplied extra arguments must not override them.
var reservedEngineArgs = map[string]struct{}{
	"-m":           {},
	"--model":      {},
	"--host":       {},
	"--port":       {},
	"--embeddings": {},
	"--reranking":  {},
	"--mmproj":     {},
}

// ParseEngineArgs splits a user supplied engine argument string with
// shell quoting rules and rejects flags the gateway reserves.
func ParseEngineArgs(raw string) ([]string, error) {
	args, err := shellwords.Parse(raw)
	if err != nil {
		return nil, err
	}
	for _, arg := range args {
		flag, _, _ := strings.Cut(arg, "=")
		if _, reserved := reservedEngineArgs[flag]; reserved {
			return nil, fmt.Errorf("argument %s is managed by the server and cannot be overridden", flag)
		}
	}
	return args, nil
}
