package tui

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"gopkg.in/yaml.v3"
)

// InterruptMarkdown describes a pending interrupt and how to answer it.
func InterruptMarkdown(req *domain.InterruptRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Review `%s`\n\n", req.Node)
	if req.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", req.Description)
	}
	fmt.Fprintf(&sb, "Thread `%s`, paused at step %d.\n\n", req.ThreadID, req.Step)
	sb.WriteString(StateMarkdown(req.State))

	sb.WriteString("\n**Decisions:**\n\n")
	for _, kind := range req.AllowedDecisions {
		switch kind {
		case domain.DecisionApprove:
			sb.WriteString("- `approve` runs the node\n")
		case domain.DecisionReject:
			sb.WriteString("- `reject <reason>` skips the node\n")
		case domain.DecisionReplace:
			sb.WriteString("- `replace key=value ...` edits the state, then runs the node\n")
		}
	}
	return sb.String()
}

// ResultMarkdown summarizes the outcome of a run.
func ResultMarkdown(result *domain.RunResult) string {
	var sb strings.Builder
	switch result.Status {
	case domain.StatusCompleted:
		fmt.Fprintf(&sb, "## Thread `%s` completed at step %d\n\n", result.ThreadID, result.Step)
		sb.WriteString(StateMarkdown(result.State))
	case domain.StatusPaused:
		fmt.Fprintf(&sb, "## Thread `%s` paused before `%s`\n", result.ThreadID, result.Interrupt.Node)
	case domain.StatusFailed:
		fmt.Fprintf(&sb, "## Thread `%s` failed\n\n", result.ThreadID)
		if result.Err != nil {
			fmt.Fprintf(&sb, "> %s\n\n", result.Err)
		}
		fmt.Fprintf(&sb, "Last good checkpoint: step %d. Resume with `approve` to retry.\n", result.LastGoodStep)
	}
	return sb.String()
}

// CheckpointMarkdown renders one checkpoint of a thread history.
func CheckpointMarkdown(cp *domain.Checkpoint) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Step %d (%s)\n\n", cp.Step, cp.Source)
	if cp.Node != "" {
		fmt.Fprintf(&sb, "- node: `%s`\n", cp.Node)
	}
	fmt.Fprintf(&sb, "- next: `%s`\n- status: %s\n", cp.Next, cp.Status)
	if cp.RunID != "" {
		fmt.Fprintf(&sb, "- run: `%s`\n", cp.RunID)
	}
	if !cp.CreatedAt.IsZero() {
		fmt.Fprintf(&sb, "- at: %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05Z07:00"))
	}
	if cp.Error != "" {
		fmt.Fprintf(&sb, "- error: %s\n", cp.Error)
	}
	sb.WriteString("\n")
	sb.WriteString(StateMarkdown(cp.State))
	return sb.String()
}

// StateMarkdown renders state as a YAML code block with sorted keys.
func StateMarkdown(state domain.State) string {
	if len(state) == 0 {
		return "_empty state_\n"
	}
	// yaml.v3 emits map keys in sorted order.
	out, err := yaml.Marshal(map[string]any(state))
	if err != nil {
		return fmt.Sprintf("```\n%v\n```\n", map[string]any(state))
	}
	return "```yaml\n" + string(out) + "```\n"
}
