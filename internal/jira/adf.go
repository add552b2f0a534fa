package jira

import "strings"

// Node is an Atlassian Document Format node.
type Node struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
}

// ExtractText flattens an ADF document to plain text. Block nodes end with a
// newline, list items are prefixed with "- " and table cells are separated by
// " | ".
func ExtractText(doc Node) string {
	var b strings.Builder
	writeNode(&b, doc)
	return strings.TrimSpace(collapseBlankLines(b.String()))
}

func writeNode(b *strings.Builder, n Node) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
	case "hardBreak":
		b.WriteString("\n")
	case "mention", "emoji", "status":
		b.WriteString(attrString(n, "text", "shortName"))
	case "inlineCard", "blockCard":
		b.WriteString(attrString(n, "url"))
	case "paragraph", "heading", "codeBlock", "blockquote", "panel":
		writeChildren(b, n)
		b.WriteString("\n")
	case "listItem":
		b.WriteString("- ")
		writeChildren(b, n)
	case "bulletList", "orderedList":
		writeChildren(b, n)
		b.WriteString("\n")
	case "tableRow":
		for i, cell := range n.Content {
			if i > 0 {
				b.WriteString(" | ")
			}
			var cb strings.Builder
			writeChildren(&cb, cell)
			b.WriteString(strings.TrimSpace(cb.String()))
		}
		b.WriteString("\n")
	case "rule":
		b.WriteString("---\n")
	case "media", "mediaSingle", "mediaGroup":
		// Attachments are reported separately.
	default:
		writeChildren(b, n)
	}
}

func writeChildren(b *strings.Builder, n Node) {
	for _, c := range n.Content {
		writeNode(b, c)
	}
}

func attrString(n Node, keys ...string) string {
	for _, k := range keys {
		if v, ok := n.Attrs[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}
