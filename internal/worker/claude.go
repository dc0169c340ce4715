package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/muster-dev/muster/internal/workspace"
	"github.com/muster-dev/muster/pkg/models"
)

// ClaudeConfig contains configuration for the Claude-backed collaborator.
type ClaudeConfig struct {
	// Model is the Claude model to use.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens bounds the response size. Defaults to 8192.
	MaxTokens int64
	// InputCostPerMTok is the USD cost per million input tokens.
	InputCostPerMTok float64
	// OutputCostPerMTok is the USD cost per million output tokens.
	OutputCostPerMTok float64
}

// ClaudeCollaborator implements Collaborator against the Anthropic API.
// The model is asked for a change-set as a JSON document; the cost returned
// to the engine is derived from reported token usage.
type ClaudeCollaborator struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	inCost    float64
	outCost   float64
}

// NewClaudeCollaborator creates a Claude-backed collaborator.
func NewClaudeCollaborator(cfg ClaudeConfig) (*ClaudeCollaborator, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	inCost := cfg.InputCostPerMTok
	if inCost <= 0 {
		inCost = 3.0
	}
	outCost := cfg.OutputCostPerMTok
	if outCost <= 0 {
		outCost = 15.0
	}

	return &ClaudeCollaborator{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		inCost:    inCost,
		outCost:   outCost,
	}, nil
}

const claudeSystemPrompt = `You are an autonomous software worker in an orchestration engine.
You receive one task and a snapshot of the repository. Produce the complete
set of file changes that accomplishes the task.

Respond with ONLY a JSON object of this shape, no prose:
{"summary": "<one line>", "changes": [{"path": "<repo-relative path>", "content": "<full new file content>"}, {"path": "<path>", "delete": true}]}`

// Generate asks the model for a change-set for the task.
func (c *ClaudeCollaborator) Generate(ctx context.Context, task *models.Task, snapshot workspace.Snapshot) (*models.ChangeSet, float64, error) {
	prompt := buildTaskPrompt(task, snapshot)

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: claudeSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("API call failed: %w", err)
	}

	cost := float64(resp.Usage.InputTokens)/1_000_000*c.inCost +
		float64(resp.Usage.OutputTokens)/1_000_000*c.outCost

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	cs, err := ParseChangeSet(text.String())
	if err != nil {
		return nil, cost, fmt.Errorf("malformed change-set from model: %w", err)
	}
	cs.TaskID = task.ID
	cs.BaseRef = snapshot.Ref
	return cs, cost, nil
}

// buildTaskPrompt renders the task and a file inventory of the snapshot.
func buildTaskPrompt(task *models.Task, snapshot workspace.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s (%s role): %s\n", task.ID, task.Role, task.Title)

	if len(snapshot.Files) > 0 {
		paths := make([]string, 0, len(snapshot.Files))
		for path := range snapshot.Files {
			paths = append(paths, path)
		}
		sort.Strings(paths)

		sb.WriteString("\nRepository files at snapshot ")
		sb.WriteString(snapshot.Ref)
		sb.WriteString(":\n")
		for _, path := range paths {
			fmt.Fprintf(&sb, "--- %s ---\n%s\n", path, snapshot.Files[path])
		}
	} else if snapshot.Dir != "" {
		fmt.Fprintf(&sb, "\nRepository checked out at %s (revision %s).\n", snapshot.Dir, snapshot.Ref)
	}
	return sb.String()
}

// ParseChangeSet extracts a change-set from a model response, tolerating a
// markdown code fence around the JSON.
func ParseChangeSet(text string) (*models.ChangeSet, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var payload struct {
		Summary string `json:"summary"`
		Changes []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
			Delete  bool   `json:"delete"`
		} `json:"changes"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, err
	}
	if len(payload.Changes) == 0 {
		return nil, fmt.Errorf("response contains no changes")
	}

	cs := &models.ChangeSet{Summary: payload.Summary}
	for _, ch := range payload.Changes {
		if ch.Path == "" {
			return nil, fmt.Errorf("change with empty path")
		}
		cs.Changes = append(cs.Changes, models.FileChange{
			Path:    ch.Path,
			Content: ch.Content,
			Delete:  ch.Delete,
		})
	}
	return cs, nil
}
