// Package llm defines the seam between the pipeline core and the LLM
// backend collaborator that owns the actual tensor math. The core never
// touches model weights; it hands an EXECUTE_TASK's llama_fragment
// params to an Executor and forwards whatever envelope comes back.
package llm

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/shardmesh/shardnet/internal/command"
)

// Executor runs one llama_fragment stage task against this node's local
// shard. The in-process Simulator is the default; a real backend
// implements the same interface and owns model memory on its own
// workers.
type Executor interface {
	Execute(ctx context.Context, task command.ExecuteTaskParams) (command.ExecuteTaskResult, error)
}

// ErrBackendUnavailable is returned by Disabled for every task.
var ErrBackendUnavailable = errors.New("no llm backend attached")

// Disabled is the Executor used when STRICT_DISTRIBUTED forbids the
// in-process simulation fallback and no real backend has been wired in:
// every stage task fails rather than silently simulating.
type Disabled struct{}

// Execute implements Executor.
func (Disabled) Execute(context.Context, command.ExecuteTaskParams) (command.ExecuteTaskResult, error) {
	return command.ExecuteTaskResult{}, ErrBackendUnavailable
}

// Tokenize maps a prompt to token IDs one byte per token. The real
// vocabulary lives in the backend collaborator; the byte-level codec is
// the identity-preserving default the coordinator and Simulator share,
// so tokenize-then-detokenize round-trips any ASCII prompt.
func Tokenize(s string) []int {
	out := make([]int, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = int(s[i])
	}
	return out
}

// Detokenize is the inverse of Tokenize; token IDs outside one byte's
// range are dropped rather than guessed at.
func Detokenize(tokens []int) string {
	b := make([]byte, 0, len(tokens))
	for _, t := range tokens {
		if t >= 0 && t < 256 {
			b = append(b, byte(t))
		}
	}
	return string(b)
}

// EncodeTokens renders token IDs as the comma-separated wire form a
// "tokens" DataEnvelope carries in its Data field.
func EncodeTokens(tokens []int) string {
	if len(tokens) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, t := range tokens {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(t))
	}
	return sb.String()
}

// DecodeTokens parses the comma-separated wire form back into token IDs.
func DecodeTokens(data string) ([]int, error) {
	if data == "" {
		return nil, nil
	}
	parts := strings.Split(data, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
