package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/shardmesh/shardnet/internal/command"
)

// hiddenDim is the simulated hidden-state width reported in output
// shapes.
const hiddenDim = 64

// Simulator is the in-process llama_fragment executor used when no real
// LLM backend is attached and STRICT_DISTRIBUTED does not forbid it. It
// preserves the pipeline's wire contract end to end: intermediate
// stages emit self-describing hidden_states envelopes, the final stage
// emits token IDs, and every stage reports execution metadata. The
// "hidden state" it propagates is the running token context in opaque
// form, which lets the final stage generate a deterministic completion
// without any weights on disk.
type Simulator struct {
	totalShards int
	totalLayers int
}

// NewSimulator constructs a Simulator for a pipeline of totalShards
// shards over totalLayers layers.
func NewSimulator(totalShards, totalLayers int) *Simulator {
	if totalShards < 1 {
		totalShards = 1
	}
	return &Simulator{totalShards: totalShards, totalLayers: totalLayers}
}

// Execute implements Executor.
func (s *Simulator) Execute(ctx context.Context, task command.ExecuteTaskParams) (command.ExecuteTaskResult, error) {
	if err := ctx.Err(); err != nil {
		return command.ExecuteTaskResult{}, err
	}
	if task.TaskType != command.TaskLlamaFragment {
		return command.ExecuteTaskResult{}, fmt.Errorf("simulator cannot execute task_type %q", task.TaskType)
	}
	if s.totalLayers > 0 && (task.LayerStart < 0 || task.LayerEnd > s.totalLayers || task.LayerStart >= task.LayerEnd) {
		return command.ExecuteTaskResult{}, fmt.Errorf("layer range [%d,%d) not within [0,%d)", task.LayerStart, task.LayerEnd, s.totalLayers)
	}

	start := time.Now()
	ctxTokens, err := decodeContext(task.InputData)
	if err != nil {
		return command.ExecuteTaskResult{}, err
	}

	final := task.ShardIndex == s.totalShards-1
	var out command.DataEnvelope
	if final {
		reply := s.generate(Detokenize(ctxTokens), task.Config)
		tokens := Tokenize(reply)
		out = command.DataEnvelope{
			Type:  "tokens",
			Data:  EncodeTokens(tokens),
			Shape: []int{len(tokens)},
		}
	} else {
		payload := []byte(EncodeTokens(ctxTokens))
		out = command.DataEnvelope{
			Type:  "hidden_states",
			Data:  base64.StdEncoding.EncodeToString(payload),
			Shape: []int{1, len(ctxTokens), hiddenDim},
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out.Metadata = &command.OutputMetadata{
		TokensProcessed:  len(ctxTokens),
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		MemoryUsedMB:     ms.HeapAlloc / (1024 * 1024),
	}

	result := command.ExecuteTaskResult{
		ShardIndex: task.ShardIndex,
		Output:     out,
		IsComplete: final,
	}
	if !final {
		next := task.ShardIndex + 1
		result.NextShardIndex = &next
	}
	return result, nil
}

// decodeContext recovers the running token context from either input
// envelope form: "tokens" carries the IDs directly, "hidden_states"
// carries them in the opaque base64 payload an earlier Simulator stage
// produced.
func decodeContext(in command.DataEnvelope) ([]int, error) {
	switch in.Type {
	case "tokens":
		tokens, err := DecodeTokens(in.Data)
		if err != nil {
			return nil, fmt.Errorf("decode token input: %w", err)
		}
		return tokens, nil
	case "hidden_states":
		if len(in.Shape) == 0 {
			return nil, fmt.Errorf("hidden_states input missing shape")
		}
		raw, err := base64.StdEncoding.DecodeString(in.Data)
		if err != nil {
			return nil, fmt.Errorf("decode hidden_states payload: %w", err)
		}
		tokens, err := DecodeTokens(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decode hidden_states context: %w", err)
		}
		return tokens, nil
	default:
		return nil, fmt.Errorf("unknown input_data type %q", in.Type)
	}
}

// generate produces a deterministic completion for prompt, truncated to
// the configured token budget. Stop sequences cut the reply at the
// first occurrence.
func (s *Simulator) generate(prompt string, cfg command.GenerationConfig) string {
	lower := strings.ToLower(prompt)

	var reply string
	switch {
	case strings.Contains(lower, "sky") && strings.Contains(lower, "blue"):
		reply = "Blue light's short wavelength makes Rayleigh scattering strong: air molecules scatter it far more than longer wavelengths, so scattered blue light reaches your eyes from every direction of the sky."
	default:
		reply = "Simulated completion for: " + prompt
	}

	for _, stop := range cfg.StopSequences {
		if stop == "" {
			continue
		}
		if i := strings.Index(reply, stop); i >= 0 {
			reply = reply[:i]
		}
	}
	if cfg.MaxTokens > 0 && len(reply) > cfg.MaxTokens {
		reply = reply[:cfg.MaxTokens]
	}
	return reply
}
