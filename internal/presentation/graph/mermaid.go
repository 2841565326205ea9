package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
)

// GraphOverlay contains dynamic thread data to visualize on the graph.
type GraphOverlay struct {
	VisitedNodes []string
	SkippedNodes []string
	CurrentNode  string
}

// OverlayFromHistory derives the overlay of a thread from its checkpoints.
// Nodes that ran are visited, nodes skipped by a rejection are marked as such,
// and the node the latest checkpoint points at is current.
func OverlayFromHistory(history []*domain.Checkpoint) *GraphOverlay {
	overlay := &GraphOverlay{}
	for _, cp := range history {
		if cp.Node == "" {
			continue
		}
		switch cp.Source {
		case domain.SourceStep:
			overlay.VisitedNodes = append(overlay.VisitedNodes, cp.Node)
		case domain.SourceReject:
			overlay.SkippedNodes = append(overlay.SkippedNodes, cp.Node)
		}
	}
	if n := len(history); n > 0 && !history[n-1].Terminal() {
		overlay.CurrentNode = history[n-1].Next
	}
	return overlay
}

// GenerateMermaid produces a Mermaid flowchart syntax string from a compiled graph.
// It applies semantic styling:
// - Start/End: ((Circle))
// - Gated: {{Hexagon}}
// - Default: [Rectangle]
// It also applies overlay styles (Visited/Skipped/Current) if provided.
func GenerateMermaid(g *graph.Compiled, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	sb.WriteString(fmt.Sprintf("    %s((\"start\"))\n", sanitizeMermaidID(domain.Start)))
	for _, node := range g.Nodes() {
		safeID := sanitizeMermaidID(node.Name)

		// Node Shape: gated nodes are where runs pause
		opener, closer := "[", "]"
		if node.Gated {
			opener, closer = "{{", "}}"
		}

		label := node.Name
		if node.Gated && node.Description != "" {
			label = fmt.Sprintf("%s <br/> %s", node.Name, escapeLabel(node.Description))
		}
		sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s\n", safeID, opener, label, closer))
	}
	sb.WriteString(fmt.Sprintf("    %s((\"end\"))\n", sanitizeMermaidID(domain.End)))

	// Transitions
	sb.WriteString(fmt.Sprintf("    %s --> %s\n", sanitizeMermaidID(domain.Start), sanitizeMermaidID(g.Entry())))
	for _, t := range g.Edges() {
		safeFrom := sanitizeMermaidID(t.From)
		if !t.Conditional() {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", safeFrom, sanitizeMermaidID(t.To)))
			continue
		}
		for _, target := range t.Targets {
			sb.WriteString(fmt.Sprintf("    %s -. \"route\" .-> %s\n", safeFrom, sanitizeMermaidID(target)))
		}
	}

	// Apply Overlay Styles
	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds, regardless of theme (Light/Dark)
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef skipped fill:#ffebee,stroke:#c62828,stroke-dasharray:5 5,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		writeClass(&sb, overlay.VisitedNodes, "visited")
		writeClass(&sb, overlay.SkippedNodes, "skipped")

		if overlay.CurrentNode != "" {
			sb.WriteString(fmt.Sprintf("    class %s current;\n", sanitizeMermaidID(overlay.CurrentNode)))
		}
	}

	return sb.String()
}

func writeClass(sb *strings.Builder, nodes []string, class string) {
	// Deduplicate (cycles visit nodes more than once)
	seen := make(map[string]bool)
	for _, id := range nodes {
		safeID := sanitizeMermaidID(id)
		if !seen[safeID] && safeID != "" {
			seen[safeID] = true
			sb.WriteString(fmt.Sprintf("    class %s %s;\n", safeID, class))
		}
	}
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
