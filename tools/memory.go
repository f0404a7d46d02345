// Package tools exposes the memory engine as agent-callable tools: the
// JSON Schema definitions handed to the model and a dispatcher that
// routes tool invocations to the engine.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/engramlabs/engram/core"
	"github.com/engramlabs/engram/engine"
)

// ToolDefinition describes one agent-callable tool.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// MemoryToolDefinitions returns the definitions for all memory tools.
func MemoryToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "remember",
			Description: "Store a new memory. Use for facts, patterns, decisions, context, or tasks worth recalling in later sessions.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"project": StringProperty("Project the memory belongs to"),
				"content": StringProperty("The memory content"),
				"type":    StringEnumProperty("Memory type", "fact", "pattern", "decision", "context", "task"),
				"tags":    ArrayProperty("Optional tags for relationship queries", StringProperty("")),
			}, "project", "content"),
		},
		{
			Name:        "recall",
			Description: "Retrieve memories relevant to a query. Returns candidates with a calibrated confidence; when the result says to abstain, tell the user you do not have a reliable memory rather than guessing.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"query":    StringProperty("What to retrieve"),
				"project":  StringProperty("Project to search"),
				"k":        IntegerProperty("Number of results to return (default: 5)"),
				"type":     StringEnumProperty("Optional: filter by memory type", "fact", "pattern", "decision", "context", "task"),
				"strategy": StringEnumProperty("Optional: force a retrieval strategy instead of automatic selection", "auto", "basic", "hyde", "rerank", "transform", "reflective", "hybrid"),
			}, "query", "project"),
		},
		{
			Name:        "forget",
			Description: "Permanently delete a memory by ID. Irreversible.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"id": IntegerProperty("ID of the memory to delete"),
			}, "id"),
		},
		{
			Name:        "revise",
			Description: "Correct a recently retrieved memory. Only works shortly after retrieval, while the memory is open for reconsolidation. Creates a new version and preserves the old one in history.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"id":         IntegerProperty("ID of the memory to revise"),
				"content":    StringProperty("Corrected content"),
				"reason":     StringProperty("Why the memory is being revised"),
				"confidence": NumberProperty("Confidence in the correction, 0.0 to 1.0"),
			}, "id", "content", "reason"),
		},
		{
			Name:        "get_history",
			Description: "Get the full version history of a memory, oldest first, including superseded versions.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"id": IntegerProperty("ID of any version in the memory's history"),
			}, "id"),
		},
		{
			Name:        "optimize",
			Description: "Run a maintenance pass over a project: consolidate new memories, recompute usefulness scores, and prune stale low-value memories.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"project": StringProperty("Project to optimize"),
				"dry_run": BooleanProperty("Report what pruning would delete without deleting"),
			}, "project"),
		},
	}
}

// APITools converts the memory tool definitions to Anthropic API tool
// parameters.
func APITools() []anthropic.ToolUnionParam {
	definitions := MemoryToolDefinitions()
	tools := make([]anthropic.ToolUnionParam, len(definitions))
	for i, def := range definitions {
		required, _ := def.InputSchema["required"].([]string)
		tools[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: def.InputSchema["properties"],
					Required:   required,
				},
			},
		}
	}
	return tools
}

// Dispatcher routes tool invocations to an engine.
type Dispatcher struct {
	engine *engine.Engine
}

// NewDispatcher creates a dispatcher over the given engine.
func NewDispatcher(e *engine.Engine) *Dispatcher {
	return &Dispatcher{engine: e}
}

type rememberInput struct {
	Project string   `json:"project"`
	Content string   `json:"content"`
	Type    string   `json:"type"`
	Tags    []string `json:"tags"`
}

type recallInput struct {
	Query    string `json:"query"`
	Project  string `json:"project"`
	K        int    `json:"k"`
	Type     string `json:"type"`
	Strategy string `json:"strategy"`
}

type idInput struct {
	ID int64 `json:"id"`
}

type reviseInput struct {
	ID         int64   `json:"id"`
	Content    string  `json:"content"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

type optimizeInput struct {
	Project string `json:"project"`
	DryRun  bool   `json:"dry_run"`
}

type recallCandidate struct {
	ID         int64    `json:"id"`
	Content    string   `json:"content"`
	Type       string   `json:"type"`
	Tags       []string `json:"tags,omitempty"`
	Similarity float64  `json:"similarity"`
	Rank       int      `json:"rank"`
}

type recallOutput struct {
	Candidates       []recallCandidate `json:"candidates"`
	Strategy         string            `json:"strategy"`
	Confidence       float64           `json:"confidence"`
	ConfidenceLevel  string            `json:"confidence_level"`
	ShouldAbstain    bool              `json:"should_abstain"`
	AbstentionReason string            `json:"abstention_reason,omitempty"`
	Degraded         string            `json:"degraded,omitempty"`
}

// Dispatch executes the named tool with JSON input and returns a JSON
// result.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, input json.RawMessage) (string, error) {
	switch name {
	case "remember":
		return d.remember(ctx, input)
	case "recall":
		return d.recall(ctx, input)
	case "forget":
		return d.forget(ctx, input)
	case "revise":
		return d.revise(ctx, input)
	case "get_history":
		return d.getHistory(ctx, input)
	case "optimize":
		return d.optimize(ctx, input)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func (d *Dispatcher) remember(ctx context.Context, input json.RawMessage) (string, error) {
	var args rememberInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid remember input: %w", err)
	}
	id, err := d.engine.Remember(ctx, args.Project, args.Content, core.MemoryType(args.Type), args.Tags)
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{"id": id, "stored": true})
}

func (d *Dispatcher) recall(ctx context.Context, input json.RawMessage) (string, error) {
	var args recallInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid recall input: %w", err)
	}
	result, err := d.engine.Recall(ctx, &core.RetrievalRequest{
		Query:      args.Query,
		Project:    args.Project,
		K:          args.K,
		TypeFilter: core.MemoryType(args.Type),
		Strategy:   core.Strategy(args.Strategy),
	})
	if err != nil {
		return "", err
	}

	out := recallOutput{
		Candidates:       make([]recallCandidate, len(result.Candidates)),
		Strategy:         string(result.Strategy),
		Confidence:       result.Uncertainty.ConfidenceScore,
		ConfidenceLevel:  string(result.Uncertainty.ConfidenceLevel),
		ShouldAbstain:    result.Uncertainty.ShouldAbstain,
		AbstentionReason: string(result.Uncertainty.AbstentionReason),
		Degraded:         result.Degraded,
	}
	for i, cand := range result.Candidates {
		out.Candidates[i] = recallCandidate{
			ID:         cand.Record.ID,
			Content:    cand.Record.Content,
			Type:       string(cand.Record.Type),
			Tags:       cand.Record.Tags,
			Similarity: cand.Similarity,
			Rank:       cand.Rank,
		}
	}
	return marshal(out)
}

func (d *Dispatcher) forget(ctx context.Context, input json.RawMessage) (string, error) {
	var args idInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid forget input: %w", err)
	}
	if err := d.engine.Forget(ctx, args.ID); err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{"id": args.ID, "deleted": true})
}

func (d *Dispatcher) revise(ctx context.Context, input json.RawMessage) (string, error) {
	var args reviseInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid revise input: %w", err)
	}
	newID, err := d.engine.Revise(ctx, args.ID, args.Content, args.Reason, args.Confidence)
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{"original_id": args.ID, "new_id": newID})
}

func (d *Dispatcher) getHistory(ctx context.Context, input json.RawMessage) (string, error) {
	var args idInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid get_history input: %w", err)
	}
	history, err := d.engine.History(ctx, args.ID)
	if err != nil {
		return "", err
	}

	versions := make([]map[string]interface{}, len(history))
	for i, rec := range history {
		versions[i] = map[string]interface{}{
			"id":         rec.ID,
			"content":    rec.Content,
			"version":    rec.Version,
			"state":      string(rec.State),
			"created_at": rec.CreatedAt,
		}
		if rec.SupersededBy != nil {
			versions[i]["superseded_by"] = *rec.SupersededBy
		}
	}
	return marshal(map[string]interface{}{"versions": versions})
}

func (d *Dispatcher) optimize(ctx context.Context, input json.RawMessage) (string, error) {
	var args optimizeInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid optimize input: %w", err)
	}
	report, err := d.engine.Optimize(ctx, args.Project, args.DryRun)
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{
		"consolidated":      report.Consolidated,
		"rescored":          report.Rescored,
		"pruned":            report.Prune.Deleted,
		"prune_candidates":  report.Prune.Candidates,
		"dry_run":           report.Prune.DryRun,
		"count_before":      report.Prune.CountBefore,
		"count_after":       report.Prune.CountAfter,
		"mean_score_before": report.Prune.MeanScoreBefore,
		"mean_score_after":  report.Prune.MeanScoreAfter,
	})
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(data), nil
}
