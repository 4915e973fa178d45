package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/notepulse/internal/content"
)

// element is the visible shape of one item: a block marker or a character
// with its marks.
type element struct {
	block Block
	char  rune
	marks []content.MarkType
}

func elementOf(it *item) element {
	if it.isBlock() {
		return element{block: it.effectiveBlock()}
	}
	return element{char: it.char, marks: it.marks()}
}

// key identifies an element for diffing. Block type and marks are left out
// so a restyled element is kept and reformatted rather than replaced.
func (e element) key() string {
	if e.block.Type != BlockNone {
		return "block\n"
	}
	return strconv.QuoteRune(e.char) + "\n"
}

// rewrite turns the visible document into want with the fewest element
// insertions and deletions, then fixes up block types and marks.
type rewrite struct {
	want []element
}

// Rewrite applies the local edits that make the replica materialize like
// doc and returns them as one update. Elements common to both are kept, so
// concurrent edits to untouched text survive the merge. An already matching
// replica yields an empty update.
func (r *Replica) Rewrite(doc content.Doc) (Update, error) {
	target, err := FromContent("rewrite", doc)
	if err != nil {
		return nil, err
	}
	target.mu.Lock()
	vis := target.visible()
	want := make([]element, len(vis))
	for i, it := range vis {
		want[i] = elementOf(it)
	}
	target.mu.Unlock()
	return r.ApplyLocal(rewrite{want: want})
}

type formatKey struct{ attr, value string }

func (rw rewrite) build(r *Replica) ([]op, error) {
	have := r.visible()
	var a, b strings.Builder
	for _, it := range have {
		a.WriteString(elementOf(it).key())
	}
	for _, e := range rw.want {
		b.WriteString(e.key())
	}

	// Line mode maps each distinct element key to one rune.
	dmp := diffpatch.New()
	ra, rb, _ := dmp.DiffLinesToRunes(a.String(), b.String())
	diffs := dmp.DiffMainRunes(ra, rb, false)

	var (
		ops     []op
		deleted []ID
		formats = make(map[formatKey][]ID)
		anchor  = Root
		i, j    int
	)
	restyle := func(id ID, have, want element) {
		if want.block.Type != BlockNone {
			if have.block != want.block {
				k := formatKey{AttrBlock, want.block.String()}
				formats[k] = append(formats[k], id)
			}
			return
		}
		for _, m := range content.KnownMarks {
			on := hasMark(want.marks, m)
			if hasMark(have.marks, m) == on {
				continue
			}
			k := formatKey{string(m), ""}
			if on {
				k.value = MarkOn
			}
			formats[k] = append(formats[k], id)
		}
	}

	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		for step := 0; step < n; step++ {
			switch d.Type {
			case diffpatch.DiffEqual:
				it := have[i]
				restyle(it.id, elementOf(it), rw.want[j])
				anchor = it.id
				i++
				j++
			case diffpatch.DiffDelete:
				deleted = append(deleted, have[i].id)
				anchor = have[i].id
				i++
			case diffpatch.DiffInsert:
				e := rw.want[j]
				o := r.nextOp(opInsert)
				o.origin = anchor
				if e.block.Type != BlockNone {
					o.block = e.block
				} else {
					o.char = e.char
					for _, m := range e.marks {
						k := formatKey{string(m), MarkOn}
						formats[k] = append(formats[k], o.id)
					}
				}
				ops = append(ops, o)
				anchor = o.id
				j++
			}
		}
	}

	if len(deleted) > 0 {
		o := r.nextOp(opDelete)
		o.targets = deleted
		ops = append(ops, o)
	}
	keys := make([]formatKey, 0, len(formats))
	for k := range formats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(x, y int) bool {
		if keys[x].attr != keys[y].attr {
			return keys[x].attr < keys[y].attr
		}
		return keys[x].value < keys[y].value
	})
	for _, k := range keys {
		o := r.nextOp(opFormat)
		o.targets = formats[k]
		o.attr = k.attr
		o.value = k.value
		ops = append(ops, o)
	}
	return ops, nil
}

func hasMark(marks []content.MarkType, m content.MarkType) bool {
	for _, have := range marks {
		if have == m {
			return true
		}
	}
	return false
}

// Reconcile brings a persisted state in line with separately stored
// content. When state already materializes to doc it is returned as is;
// otherwise the result is state plus the edits that rewrite it into doc,
// and changed is true.
//
// The edits are authored under a replica id derived from the document,
// state and content, so relays reconciling the same pair produce identical
// operations and converge.
func Reconcile(documentID string, state Update, doc content.Doc) (out Update, changed bool, err error) {
	want, err := content.Hash(doc)
	if err != nil {
		return nil, false, err
	}
	sum := sha256.New()
	sum.Write([]byte(documentID))
	sum.Write([]byte{0})
	sum.Write([]byte(want))
	sum.Write([]byte{0})
	sum.Write(state)
	id := "seed-" + hex.EncodeToString(sum.Sum(nil)[:8])

	r, err := LoadState(id, state)
	if err != nil {
		return nil, false, err
	}
	have, err := content.Hash(r.Materialize())
	if err != nil {
		return nil, false, err
	}
	if have == want {
		return state, false, nil
	}
	u, err := r.Rewrite(doc)
	if err != nil {
		return nil, false, err
	}
	if u.IsEmpty() {
		return state, false, nil
	}
	return r.EncodeState(), true, nil
}
