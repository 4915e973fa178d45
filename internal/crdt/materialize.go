package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/notepulse/internal/content"
)

// Materialize projects the replica into the structured document consumed by
// the editor surface. Text preceding the first block marker forms an
// implicit paragraph; consecutive list-item markers are grouped into lists;
// '\n' characters become hard breaks.
func (r *Replica) Materialize() content.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()

	type block struct {
		kind   Block
		inline []content.Node
	}
	var blocks []*block
	var cur *block

	for _, it := range r.visible() {
		if it.isBlock() {
			cur = &block{kind: it.effectiveBlock()}
			blocks = append(blocks, cur)
			continue
		}
		if cur == nil {
			cur = &block{kind: Paragraph}
			blocks = append(blocks, cur)
		}
		cur.inline = appendChar(cur.inline, it.char, it.marks())
	}

	doc := content.Empty()
	for i := 0; i < len(blocks); i++ {
		b := blocks[i]
		switch b.kind.Type {
		case BlockHeading:
			doc.Content = append(doc.Content, content.Heading(b.kind.Level, b.inline...))
		case BlockBulletItem, BlockOrderedItem:
			var items [][]content.Node
			j := i
			for ; j < len(blocks) && blocks[j].kind.Type == b.kind.Type; j++ {
				items = append(items, blocks[j].inline)
			}
			doc.Content = append(doc.Content, content.List(b.kind.Type == BlockOrderedItem, items...))
			i = j - 1
		default:
			doc.Content = append(doc.Content, content.Paragraph(b.inline...))
		}
	}
	return doc
}

// marks returns the mark attributes currently on, in canonical order.
func (it *item) marks() []content.MarkType {
	var out []content.MarkType
	for _, m := range content.KnownMarks {
		if reg, ok := it.attrs[string(m)]; ok && reg.value == MarkOn {
			out = append(out, m)
		}
	}
	return out
}

// appendChar extends the trailing text run when marks match, otherwise
// starts a new text node.
func appendChar(inline []content.Node, ch rune, marks []content.MarkType) []content.Node {
	if ch == '\n' {
		return append(inline, content.Node{Type: content.TypeHardBreak})
	}
	if n := len(inline); n > 0 {
		last := &inline[n-1]
		if last.Type == content.TypeText && sameMarks(last.Marks, marks) {
			last.Text += string(ch)
			return inline
		}
	}
	return append(inline, content.Text(string(ch), marks...))
}

func sameMarks(have []content.Mark, want []content.MarkType) bool {
	if len(have) != len(want) {
		return false
	}
	for i := range have {
		if have[i].Type != want[i] {
			return false
		}
	}
	return true
}

// Text returns the plain-text projection, one line per block.
func (r *Replica) Text() string {
	return content.PlainText(r.Materialize())
}

// SeedReplicaID derives the replica id used to seed a document from stored
// content. Seeding the same content twice yields identical operations, so
// concurrent seeders converge instead of duplicating text.
func SeedReplicaID(documentID string, doc content.Doc) (string, error) {
	hash, err := content.Hash(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(documentID + "\x00" + hash))
	return "seed-" + hex.EncodeToString(sum[:8]), nil
}

// FromContent builds a replica whose materialization reproduces doc. Nested
// lists and multi-paragraph list items are flattened into single list items.
func FromContent(replicaID string, doc content.Doc) (*Replica, error) {
	r := NewReplica(replicaID)
	after := Root
	for _, n := range doc.Content {
		var err error
		after, err = r.seedBlock(after, n, Block{})
		if err != nil {
			return nil, fmt.Errorf("seed content: %w", err)
		}
	}
	return r, nil
}

// seedBlock appends n after the anchor and returns the new tail anchor.
// listKind is the list-item block inherited from an enclosing list.
func (r *Replica) seedBlock(after ID, n content.Node, listKind Block) (ID, error) {
	var kind Block
	switch n.Type {
	case content.TypeBulletList, content.TypeOrderedList:
		itemKind := BulletItem
		if n.Type == content.TypeOrderedList {
			itemKind = OrderedItem
		}
		for _, li := range n.Content {
			var err error
			if after, err = r.seedBlock(after, li, itemKind); err != nil {
				return after, err
			}
		}
		return after, nil
	case content.TypeListItem:
		for _, c := range n.Content {
			var err error
			if after, err = r.seedBlock(after, c, listKind); err != nil {
				return after, err
			}
		}
		return after, nil
	case content.TypeHeading:
		kind = Heading(n.Attrs.Level)
	default:
		kind = Paragraph
	}
	if listKind.Type != BlockNone && n.Type == content.TypeParagraph {
		kind = listKind
	}

	if _, err := r.ApplyLocal(Insert{After: after, Block: &kind}); err != nil {
		return after, err
	}
	after = r.tail()
	for _, in := range n.Content {
		text := in.Text
		if in.Type == content.TypeHardBreak {
			text = "\n"
		}
		if text == "" {
			continue
		}
		marks := make(map[string]string, len(in.Marks))
		for _, m := range in.Marks {
			marks[string(m.Type)] = MarkOn
		}
		if _, err := r.ApplyLocal(Insert{After: after, Text: text, Marks: marks}); err != nil {
			return after, err
		}
		after = r.tail()
	}
	return after, nil
}

// tail returns the id of the last element produced locally.
func (r *Replica) tail() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.log[r.id]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].kind == opInsert {
			return log[i].id
		}
	}
	return Root
}
