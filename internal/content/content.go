// Package content defines the structured rich-text document exchanged between
// the replicated model, the editor surface and the durable store.
//
// The shape follows the editor's JSON document model: a doc root holding
// block nodes, inline text nodes carrying marks. It is an explicit tagged
// union: Parse rejects anything outside the schema rather than coercing it.
package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/notepulse/internal/errs"
)

// NodeType discriminates Node variants.
type NodeType string

const (
	TypeDoc         NodeType = "doc"
	TypeParagraph   NodeType = "paragraph"
	TypeHeading     NodeType = "heading"
	TypeBulletList  NodeType = "bulletList"
	TypeOrderedList NodeType = "orderedList"
	TypeListItem    NodeType = "listItem"
	TypeText        NodeType = "text"
	TypeHardBreak   NodeType = "hardBreak"
)

// MarkType is an inline formatting attribute.
type MarkType string

const (
	MarkBold   MarkType = "bold"
	MarkItalic MarkType = "italic"
	MarkStrike MarkType = "strike"
	MarkCode   MarkType = "code"
)

// KnownMarks lists marks in canonical order.
var KnownMarks = []MarkType{MarkBold, MarkItalic, MarkStrike, MarkCode}

// MaxDepth bounds node nesting accepted by Parse.
const MaxDepth = 32

// Attrs carries per-node attributes. Only headings (level) and ordered
// lists (start) have any.
type Attrs struct {
	Level int `json:"level,omitempty"`
	Start int `json:"start,omitempty"`
}

// Mark is an inline mark applied to a text node.
type Mark struct {
	Type MarkType `json:"type"`
}

// Node is one element of the document tree.
type Node struct {
	Type    NodeType `json:"type"`
	Attrs   *Attrs   `json:"attrs,omitempty"`
	Content []Node   `json:"content,omitempty"`
	Text    string   `json:"text,omitempty"`
	Marks   []Mark   `json:"marks,omitempty"`
}

// Doc is the document root.
type Doc struct {
	Type    NodeType `json:"type"`
	Content []Node   `json:"content"`
}

// Empty returns a document with no blocks.
func Empty() Doc {
	return Doc{Type: TypeDoc, Content: []Node{}}
}

// Paragraph builds a paragraph holding the given inline nodes.
func Paragraph(inline ...Node) Node {
	return Node{Type: TypeParagraph, Content: inline}
}

// Heading builds a heading of the given level.
func Heading(level int, inline ...Node) Node {
	return Node{Type: TypeHeading, Attrs: &Attrs{Level: level}, Content: inline}
}

// Text builds a text node.
func Text(s string, marks ...MarkType) Node {
	n := Node{Type: TypeText, Text: s}
	for _, m := range marks {
		n.Marks = append(n.Marks, Mark{Type: m})
	}
	return n
}

// List builds a bullet or ordered list whose items each hold one paragraph.
func List(ordered bool, items ...[]Node) Node {
	t := TypeBulletList
	if ordered {
		t = TypeOrderedList
	}
	list := Node{Type: t}
	for _, inline := range items {
		list.Content = append(list.Content, Node{
			Type:    TypeListItem,
			Content: []Node{Paragraph(inline...)},
		})
	}
	return list
}

// Parse decodes, normalizes and validates a JSON document.
// Unknown fields, unknown node types and invalid nesting are rejected.
func Parse(raw []byte) (Doc, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var doc Doc
	if err := dec.Decode(&doc); err != nil {
		return Doc{}, errs.New(errs.CodeInvalidContent, "parse content", err)
	}
	if dec.More() {
		return Doc{}, errs.Newf(errs.CodeInvalidContent, "parse content", "trailing data after document")
	}

	doc = Normalize(doc)
	if err := Validate(doc); err != nil {
		return Doc{}, err
	}
	return doc, nil
}

// Marshal encodes a document as JSON.
func Marshal(doc Doc) ([]byte, error) {
	if doc.Content == nil {
		doc.Content = []Node{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return data, nil
}

// Normalize returns a copy of doc with NFC-normalized text, empty list items
// given an empty paragraph and marks deduplicated in canonical order.
func Normalize(doc Doc) Doc {
	out := Doc{Type: doc.Type, Content: make([]Node, 0, len(doc.Content))}
	for _, n := range doc.Content {
		out.Content = append(out.Content, normalizeNode(n))
	}
	return out
}

func normalizeNode(n Node) Node {
	out := Node{Type: n.Type, Text: norm.NFC.String(n.Text)}
	if n.Attrs != nil {
		a := *n.Attrs
		out.Attrs = &a
	}
	if len(n.Marks) > 0 {
		seen := make(map[MarkType]bool, len(n.Marks))
		for _, m := range n.Marks {
			seen[m.Type] = true
		}
		for _, m := range KnownMarks {
			if seen[m] {
				out.Marks = append(out.Marks, Mark{Type: m})
				delete(seen, m)
			}
		}
		// Unknown marks survive so Validate can reject them.
		for _, m := range n.Marks {
			if seen[m.Type] {
				out.Marks = append(out.Marks, m)
				delete(seen, m.Type)
			}
		}
	}
	for _, c := range n.Content {
		out.Content = append(out.Content, normalizeNode(c))
	}
	if n.Type == TypeListItem && len(out.Content) == 0 {
		out.Content = []Node{{Type: TypeParagraph}}
	}
	return out
}

// Validate checks doc against the schema.
func Validate(doc Doc) error {
	if doc.Type != TypeDoc {
		return invalid("root type %q, want %q", doc.Type, TypeDoc)
	}
	for i, n := range doc.Content {
		if !isBlock(n.Type) {
			return invalid("content[%d]: %q not allowed at document level", i, n.Type)
		}
		if err := validateNode(n, 1); err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
	}
	return nil
}

func isBlock(t NodeType) bool {
	switch t {
	case TypeParagraph, TypeHeading, TypeBulletList, TypeOrderedList:
		return true
	}
	return false
}

func isInline(t NodeType) bool {
	return t == TypeText || t == TypeHardBreak
}

func validateNode(n Node, depth int) error {
	if depth > MaxDepth {
		return invalid("nesting deeper than %d", MaxDepth)
	}
	if n.Type != TypeText && (n.Text != "" || len(n.Marks) > 0) {
		return invalid("%q cannot carry text or marks", n.Type)
	}

	switch n.Type {
	case TypeParagraph:
		if n.Attrs != nil {
			return invalid("paragraph has attrs")
		}
		return validateChildren(n, depth, isInline)

	case TypeHeading:
		if n.Attrs == nil || n.Attrs.Level < 1 || n.Attrs.Level > 6 {
			return invalid("heading level must be 1..6")
		}
		if n.Attrs.Start != 0 {
			return invalid("heading has start attr")
		}
		return validateChildren(n, depth, isInline)

	case TypeBulletList, TypeOrderedList:
		if n.Attrs != nil && (n.Attrs.Level != 0 || (n.Type == TypeBulletList && n.Attrs.Start != 0)) {
			return invalid("%q has unsupported attrs", n.Type)
		}
		if len(n.Content) == 0 {
			return invalid("%q has no items", n.Type)
		}
		return validateChildren(n, depth, func(t NodeType) bool { return t == TypeListItem })

	case TypeListItem:
		if n.Attrs != nil {
			return invalid("listItem has attrs")
		}
		if len(n.Content) == 0 || n.Content[0].Type != TypeParagraph {
			return invalid("listItem must start with a paragraph")
		}
		return validateChildren(n, depth, isBlock)

	case TypeText:
		if n.Text == "" {
			return invalid("empty text node")
		}
		if n.Attrs != nil || len(n.Content) > 0 {
			return invalid("text node has attrs or content")
		}
		for _, m := range n.Marks {
			if !knownMark(m.Type) {
				return invalid("unknown mark %q", m.Type)
			}
		}
		return nil

	case TypeHardBreak:
		if n.Attrs != nil || len(n.Content) > 0 {
			return invalid("hardBreak has attrs or content")
		}
		return nil

	default:
		return invalid("unknown node type %q", n.Type)
	}
}

func validateChildren(n Node, depth int, allowed func(NodeType) bool) error {
	for i, c := range n.Content {
		if !allowed(c.Type) {
			return invalid("%q not allowed inside %q", c.Type, n.Type)
		}
		if err := validateNode(c, depth+1); err != nil {
			return fmt.Errorf("%s[%d]: %w", n.Type, i, err)
		}
	}
	return nil
}

func knownMark(m MarkType) bool {
	for _, k := range KnownMarks {
		if k == m {
			return true
		}
	}
	return false
}

func invalid(format string, args ...any) error {
	return errs.Newf(errs.CodeInvalidContent, "validate content", format, args...)
}

// PlainText flattens doc into text with one line per block.
func PlainText(doc Doc) string {
	var lines []string
	for _, n := range doc.Content {
		lines = appendBlockText(lines, n)
	}
	return strings.Join(lines, "\n")
}

func appendBlockText(lines []string, n Node) []string {
	switch n.Type {
	case TypeParagraph, TypeHeading:
		var b strings.Builder
		for _, c := range n.Content {
			if c.Type == TypeHardBreak {
				b.WriteByte('\n')
				continue
			}
			b.WriteString(c.Text)
		}
		return append(lines, b.String())
	default:
		for _, c := range n.Content {
			lines = appendBlockText(lines, c)
		}
		return lines
	}
}

// Preview returns at most n runes of doc's text with whitespace collapsed.
func Preview(doc Doc, n int) string {
	text := strings.Join(strings.Fields(PlainText(doc)), " ")
	if text == "" {
		return "(Empty document)"
	}
	r := []rune(text)
	if len(r) > n {
		return string(r[:n])
	}
	return text
}
