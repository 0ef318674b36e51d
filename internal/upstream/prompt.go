package upstream

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/podscript/pkg/provider/llm"
	"github.com/MrWong99/podscript/pkg/script"
)

// ClipsPlaceholder is replaced by the JSON clip list in the system prompt.
const ClipsPlaceholder = "{{CLIPS}}"

// DefaultSystemPrompt asks the model for a JSON Lines podcast script that
// quotes the supplied clips verbatim.
const DefaultSystemPrompt = `You are a podcast editor. Weave the user's recorded clips into a
conversational podcast script with a host who introduces, connects and
reflects on them.

Recorded clips:
` + ClipsPlaceholder + `

Output the script strictly as JSON Lines, one complete object per line:
{"type": "ai", "text": "host narration"}
{"type": "user", "text": "the full clip content, verbatim", "audio": "clipId"}
`

// DefaultInstruction is the user turn that starts generation.
const DefaultInstruction = "Write the podcast script from the clip list. Use JSON Lines only, one complete JSON object per line."

// PromptConfig controls how a compile request is turned into a completion
// request. Zero fields fall back to the defaults above.
type PromptConfig struct {
	SystemPrompt string
	Instruction  string
	Temperature  float64
	MaxTokens    int
}

// promptClip is the shape each clip takes inside the system prompt.
type promptClip struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	ClipID  string `json:"clipId"`
}

// BuildRequest renders the completion request for a compilation over clips.
// When the system prompt has no placeholder the clip list is appended.
func BuildRequest(cfg PromptConfig, clips []script.Clip) (llm.CompletionRequest, error) {
	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	instruction := cfg.Instruction
	if instruction == "" {
		instruction = DefaultInstruction
	}

	list := make([]promptClip, 0, len(clips))
	for _, c := range clips {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}
		list = append(list, promptClip{ID: c.ID, Content: content, ClipID: c.ID})
	}
	encoded, err := sonic.ConfigDefault.MarshalIndent(list, "", "  ")
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("upstream: encode clip list: %w", err)
	}

	if strings.Contains(system, ClipsPlaceholder) {
		system = strings.ReplaceAll(system, ClipsPlaceholder, string(encoded))
	} else {
		system = system + "\n\nRecorded clips:\n" + string(encoded) + "\n"
	}

	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: instruction}},
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}, nil
}

// EstimatePromptTokens approximates the tokens req occupies before any
// output, counting the system prompt as one more message.
func EstimatePromptTokens(req llm.CompletionRequest) int {
	n := llm.EstimateTokens(req.Messages)
	if req.SystemPrompt != "" {
		n += llm.EstimateTokens([]llm.Message{{Role: "system", Content: req.SystemPrompt}})
	}
	return n
}

// ExceedsContext returns the estimated prompt size plus the requested output
// budget and whether that total is larger than window. A window of zero is
// unknown and never exceeded.
func ExceedsContext(req llm.CompletionRequest, window int) (int, bool) {
	n := EstimatePromptTokens(req) + req.MaxTokens
	return n, window > 0 && n > window
}
