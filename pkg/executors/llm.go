package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/arbor/pkg/registry"
	"github.com/google/uuid"
)

// DefaultMaxRounds bounds the tool-call rounds of one llm node.
const DefaultMaxRounds = 32

type llmConfig struct {
	Model       string   `mapstructure:"model"`
	System      string   `mapstructure:"system"`
	Prompt      string   `mapstructure:"prompt"`
	Temperature *float64 `mapstructure:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `mapstructure:"max_tokens" validate:"gte=0"`
	Tools       []string `mapstructure:"tools" validate:"dive,required"`
	// MaxRounds of zero means unlimited.
	MaxRounds *int `mapstructure:"max_rounds" validate:"omitempty,gte=0"`
	// JSON asks for the final answer to be decoded into output.data.
	JSON bool `mapstructure:"json"`
	// Preprocessors rewrite the prompt in order before the first call.
	Preprocessors []preprocessorSpec `mapstructure:"preprocessors" validate:"dive"`
}

// LLM drives a model turn by turn. Tool calls requested by the model are
// answered from the tool registry until the model produces a final message
// or max_rounds is reached.
type LLM struct {
	model  ports.Model
	tools  *registry.Tools
	files  fs.FS
	logger *slog.Logger
}

// NewLLM creates an llm executor. tools may be nil.
func NewLLM(model ports.Model, tools *registry.Tools, logger *slog.Logger) *LLM {
	if tools == nil {
		tools = registry.EmptyTools()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LLM{model: model, tools: tools, files: os.DirFS("."), logger: logger}
}

// WithFiles sets the tree file_read preprocessors read from.
func (l *LLM) WithFiles(fsys fs.FS) *LLM {
	l.files = fsys
	return l
}

func (l *LLM) ValidateConfig(cfg map[string]any) error {
	var c llmConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return err
	}
	if l.model == nil {
		return fmt.Errorf("no model transport configured")
	}
	if err := validatePreprocessors(c.Preprocessors); err != nil {
		return err
	}
	_, err := l.tools.Subset(c.Tools)
	return err
}

func (l *LLM) Execute(ctx context.Context, req domain.ExecRequest) (any, error) {
	var cfg llmConfig
	if err := decodeConfig(req.Config, &cfg); err != nil {
		return nil, invalidConfig(err)
	}
	if l.model == nil {
		return nil, domain.NewExecutorError(domain.KindInvalidConfig, "no model transport configured")
	}
	tools, err := l.tools.Subset(cfg.Tools)
	if err != nil {
		return nil, &domain.ExecutorError{Kind: domain.KindInvalidConfig, Detail: "tools", Err: err}
	}
	maxRounds := DefaultMaxRounds
	if cfg.MaxRounds != nil {
		maxRounds = *cfg.MaxRounds
	}

	msgs, err := l.preprocess(cfg.Preprocessors, buildMessages(cfg, req.Inputs))
	if err != nil {
		return nil, invalidConfig(err)
	}

	log := l.logger.With("run_id", req.RunID, "node_id", req.NodeID)
	mreq := domain.ModelRequest{
		Model:       cfg.Model,
		Messages:    msgs,
		Tools:       tools.Specs(),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	for round := 1; ; round++ {
		resp, err := l.model.Generate(ctx, mreq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &domain.ExecutorError{Kind: domain.KindFailed, Retryable: true, Detail: "model", Err: err}
		}

		msg := resp.Message
		msg.Role = domain.RoleAssistant
		mreq.Messages = append(mreq.Messages, msg)
		if len(msg.ToolCalls) == 0 {
			return finalOutput(cfg, resp, round)
		}
		if maxRounds > 0 && round >= maxRounds {
			return nil, domain.NewExecutorError(domain.KindFailed, "model still calling tools after %d rounds", maxRounds)
		}

		for i := range msg.ToolCalls {
			call := &mreq.Messages[len(mreq.Messages)-1].ToolCalls[i]
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			log.Debug("tool call", "tool", call.Name, "round", round)
			res, err := tools.Invoke(ctx, *call)
			if err != nil {
				return nil, err
			}
			if res.IsError {
				log.Warn("tool call failed", "tool", call.Name, "err", res.Content)
			}
			mreq.Messages = append(mreq.Messages, domain.ChatMessage{
				Role:       domain.RoleTool,
				Content:    res.Content,
				ToolCallID: res.ID,
			})
		}
	}
}

func buildMessages(cfg llmConfig, inputs map[string]any) []domain.ChatMessage {
	var msgs []domain.ChatMessage
	if cfg.System != "" {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: cfg.System})
	}

	var b strings.Builder
	b.WriteString(cfg.Prompt)
	names := make([]string, 0, len(inputs))
	for k := range inputs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s:\n%s", name, registry.Stringify(inputs[name]))
	}
	return append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: b.String()})
}

func finalOutput(cfg llmConfig, resp domain.ModelResponse, rounds int) (any, error) {
	out := map[string]any{
		"content": resp.Message.Content,
		"rounds":  rounds,
	}
	if resp.FinishReason != "" {
		out["finish_reason"] = resp.FinishReason
	}
	if cfg.JSON {
		var data any
		if err := json.Unmarshal([]byte(stripFence(resp.Message.Content)), &data); err != nil {
			return nil, &domain.ExecutorError{Kind: domain.KindFailed, Retryable: true, Detail: "model answer is not JSON", Err: err}
		}
		out["data"] = data
	}
	return out, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
