package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notepulse/internal/errs"
)

func TestParse_ValidDocument(t *testing.T) {
	raw := `{"type":"doc","content":[
		{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Title"}]},
		{"type":"paragraph","content":[{"type":"text","text":"bold","marks":[{"type":"bold"}]},{"type":"hardBreak"},{"type":"text","text":"next"}]},
		{"type":"bulletList","content":[{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"one"}]}]}]},
		{"type":"orderedList","attrs":{"start":3},"content":[{"type":"listItem","content":[]}]}
	]}`

	doc, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, doc.Content, 4)
	assert.Equal(t, TypeHeading, doc.Content[0].Type)
	assert.Equal(t, 2, doc.Content[0].Attrs.Level)

	// Empty list items are filled with an empty paragraph.
	item := doc.Content[3].Content[0]
	require.Len(t, item.Content, 1)
	assert.Equal(t, TypeParagraph, item.Content[0].Type)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"wrong root", `{"type":"paragraph","content":[]}`},
		{"unknown field", `{"type":"doc","content":[],"extra":1}`},
		{"unknown node", `{"type":"doc","content":[{"type":"table"}]}`},
		{"text at top level", `{"type":"doc","content":[{"type":"text","text":"x"}]}`},
		{"heading without level", `{"type":"doc","content":[{"type":"heading"}]}`},
		{"heading level 7", `{"type":"doc","content":[{"type":"heading","attrs":{"level":7}}]}`},
		{"empty text", `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":""}]}]}`},
		{"unknown mark", `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"x","marks":[{"type":"blink"}]}]}]}`},
		{"paragraph inside text", `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"paragraph"}]}]}`},
		{"empty list", `{"type":"doc","content":[{"type":"bulletList","content":[]}]}`},
		{"paragraph in list", `{"type":"doc","content":[{"type":"bulletList","content":[{"type":"paragraph"}]}]}`},
		{"json string", `"{\"type\":\"doc\"}"`},
		{"trailing data", `{"type":"doc","content":[]} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errs.IsInvalidContent(err), "got %v", err)
		})
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	doc := Doc{Type: TypeDoc, Content: []Node{
		Heading(1, Text("Notes")),
		Paragraph(Text("a "), Text("b", MarkItalic, MarkBold)),
		List(true, []Node{Text("first")}),
	}}

	data, err := Marshal(doc)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, Normalize(doc), parsed)
}

func TestMarshal_EmptyDocHasContentArray(t *testing.T) {
	data, err := Marshal(Doc{Type: TypeDoc})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"doc","content":[]}`, string(data))
}

func TestNormalize_MarksCanonicalOrder(t *testing.T) {
	doc := Doc{Type: TypeDoc, Content: []Node{
		Paragraph(Node{Type: TypeText, Text: "x", Marks: []Mark{{MarkCode}, {MarkBold}, {MarkCode}}}),
	}}
	got := Normalize(doc).Content[0].Content[0].Marks
	assert.Equal(t, []Mark{{MarkBold}, {MarkCode}}, got)
}

func TestHash_StableUnderNormalization(t *testing.T) {
	// "é" precomposed vs. "e" + combining acute accent.
	a := Doc{Type: TypeDoc, Content: []Node{Paragraph(Text("caf\u00e9"))}}
	b := Doc{Type: TypeDoc, Content: []Node{Paragraph(Text("cafe\u0301"))}}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	c := Doc{Type: TypeDoc, Content: []Node{Paragraph(Text("cafe"))}}
	hc, err := Hash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestPlainTextAndPreview(t *testing.T) {
	doc := Doc{Type: TypeDoc, Content: []Node{
		Heading(1, Text("Title")),
		Paragraph(Text("line"), Node{Type: TypeHardBreak}, Text("two")),
		List(false, []Node{Text("a")}, []Node{Text("b")}),
	}}

	assert.Equal(t, "Title\nline\ntwo\na\nb", PlainText(doc))
	assert.Equal(t, "Title line two a b", Preview(doc, 120))
	assert.Equal(t, "Title", Preview(doc, 5))
	assert.Equal(t, "(Empty document)", Preview(Empty(), 120))
}
