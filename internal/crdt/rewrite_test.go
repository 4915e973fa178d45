package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/notepulse/internal/content"
)

func paragraphs(texts ...string) content.Doc {
	doc := content.Doc{Type: content.TypeDoc}
	for _, s := range texts {
		doc.Content = append(doc.Content, content.Paragraph(content.Text(s)))
	}
	return doc
}

func opsOf(t *testing.T, u Update) int {
	t.Helper()
	info, err := Inspect(u)
	require.NoError(t, err)
	return info.Ops
}

func TestRewrite_ReplacesText(t *testing.T) {
	r := NewReplica("a")
	mustInsert(t, r, 0, "old")

	_, err := r.Rewrite(paragraphs("new text"))
	require.NoError(t, err)
	assert.Equal(t, "new text", r.Text())

	again, err := r.Rewrite(paragraphs("new text"))
	require.NoError(t, err)
	assert.True(t, again.IsEmpty())
}

func TestRewrite_RestylesInPlace(t *testing.T) {
	r, err := FromContent("base", paragraphs("ab"))
	require.NoError(t, err)

	bold := content.Doc{Type: content.TypeDoc, Content: []content.Node{
		content.Paragraph(content.Text("ab", content.MarkBold)),
	}}
	u, err := r.Rewrite(bold)
	require.NoError(t, err)
	assert.Equal(t, 1, opsOf(t, u), "one format, no reinserted text")
	assert.Equal(t, bold, r.Materialize())

	heading := content.Doc{Type: content.TypeDoc, Content: []content.Node{
		content.Heading(2, content.Text("ab")),
	}}
	u, err = r.Rewrite(heading)
	require.NoError(t, err)
	assert.Equal(t, 2, opsOf(t, u), "block type and bold off")
	assert.Equal(t, heading, r.Materialize())
}

func TestRewrite_ConcurrentEditSurvives(t *testing.T) {
	a := NewReplica("a")
	b := NewReplica("b")
	require.NoError(t, b.ApplyRemote(mustInsert(t, a, 0, "hello world")))

	ua, err := a.Rewrite(paragraphs("hello brave world"))
	require.NoError(t, err)
	ub := mustInsert(t, b, 11, "!")

	require.NoError(t, a.ApplyRemote(ub))
	require.NoError(t, b.ApplyRemote(ua))
	assert.Equal(t, "hello brave world!", a.Text())
	assert.Equal(t, a.Materialize(), b.Materialize())
}

func TestReconcile(t *testing.T) {
	a := NewReplica("a")
	mustInsert(t, a, 0, "saved")
	state := a.EncodeState()

	out, changed, err := Reconcile("doc-1", state, a.Materialize())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, state, out)

	newer := paragraphs("saved later")
	out, changed, err = Reconcile("doc-1", state, newer)
	require.NoError(t, err)
	assert.True(t, changed)
	r, err := LoadState("r", out)
	require.NoError(t, err)
	assert.Equal(t, "saved later", r.Text())

	// Same inputs, same operations: two relays reconciling converge.
	again, _, err := Reconcile("doc-1", state, newer)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	require.NoError(t, r.ApplyRemote(again))
	assert.Equal(t, "saved later", r.Text())

	// Clients holding the old state catch up from the reconciled one.
	require.NoError(t, a.ApplyRemote(r.DiffSince(a.StateVector())))
	assert.Equal(t, "saved later", a.Text())
}

func TestProperty_RewriteReachesTarget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewReplica("a")
		for _, s := range rapid.SliceOfN(rapid.StringMatching(`[a-c ]{1,6}`), 0, 4).Draw(t, "inserts") {
			pos := rapid.IntRange(0, r.Len()).Draw(t, "pos")
			if _, err := r.InsertAt(pos, s); err != nil {
				t.Fatal(err)
			}
		}
		if n := r.Len(); n > 0 {
			pos := rapid.IntRange(0, n-1).Draw(t, "delPos")
			if _, err := r.DeleteAt(pos, rapid.IntRange(0, n-pos).Draw(t, "delLen")); err != nil {
				t.Fatal(err)
			}
		}

		var target content.Doc
		target.Type = content.TypeDoc
		for _, s := range rapid.SliceOfN(rapid.StringMatching(`[a-c ]{1,8}`), 0, 3).Draw(t, "paragraphs") {
			var marks []content.MarkType
			if rapid.Bool().Draw(t, "bold") {
				marks = append(marks, content.MarkBold)
			}
			target.Content = append(target.Content, content.Paragraph(content.Text(s, marks...)))
		}
		want, err := FromContent("want", target)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := r.Rewrite(target); err != nil {
			t.Fatal(err)
		}
		if got, exp := r.Materialize(), want.Materialize(); !assert.ObjectsAreEqual(exp, got) {
			t.Fatalf("rewrite produced %+v, want %+v", got, exp)
		}
	})
}
