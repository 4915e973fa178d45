package crdt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/roach88/notepulse/internal/content"
)

// BlockType is the kind of a block marker element.
type BlockType uint8

const (
	BlockNone BlockType = iota
	BlockParagraph
	BlockHeading
	BlockBulletItem
	BlockOrderedItem
)

// Block describes a block marker. Level is used by headings only.
type Block struct {
	Type  BlockType
	Level int
}

var (
	Paragraph   = Block{Type: BlockParagraph}
	BulletItem  = Block{Type: BlockBulletItem}
	OrderedItem = Block{Type: BlockOrderedItem}
)

// Heading returns a heading block of the given level.
func Heading(level int) Block {
	return Block{Type: BlockHeading, Level: level}
}

func (b Block) valid() bool {
	switch b.Type {
	case BlockParagraph, BlockBulletItem, BlockOrderedItem:
		return b.Level == 0
	case BlockHeading:
		return b.Level >= 1 && b.Level <= 6
	}
	return false
}

// String renders b as the value of the AttrBlock attribute.
func (b Block) String() string {
	switch b.Type {
	case BlockParagraph:
		return "paragraph"
	case BlockHeading:
		return "heading:" + strconv.Itoa(b.Level)
	case BlockBulletItem:
		return "bulletItem"
	case BlockOrderedItem:
		return "orderedItem"
	}
	return "none"
}

// ParseBlock is the inverse of Block.String.
func ParseBlock(s string) (Block, error) {
	switch s {
	case "paragraph":
		return Paragraph, nil
	case "bulletItem":
		return BulletItem, nil
	case "orderedItem":
		return OrderedItem, nil
	}
	if rest, ok := strings.CutPrefix(s, "heading:"); ok {
		level, err := strconv.Atoi(rest)
		if err == nil {
			if b := Heading(level); b.valid() {
				return b, nil
			}
		}
	}
	return Block{}, fmt.Errorf("invalid block %q", s)
}

// Formatting attributes. Marks take MarkOn or "" (off); AttrBlock takes a
// Block.String() value and applies to block markers only.
const (
	AttrBold   = string(content.MarkBold)
	AttrItalic = string(content.MarkItalic)
	AttrStrike = string(content.MarkStrike)
	AttrCode   = string(content.MarkCode)
	AttrBlock  = "block"

	MarkOn = "true"
)

func isMarkAttr(attr string) bool {
	switch attr {
	case AttrBold, AttrItalic, AttrStrike, AttrCode:
		return true
	}
	return false
}

func validAttrValue(attr, value string) error {
	switch {
	case isMarkAttr(attr):
		if value != "" && value != MarkOn {
			return fmt.Errorf("mark %q takes %q or empty, got %q", attr, MarkOn, value)
		}
		return nil
	case attr == AttrBlock:
		_, err := ParseBlock(value)
		return err
	}
	return fmt.Errorf("unknown attribute %q", attr)
}

// Operation is a local edit accepted by Replica.ApplyLocal.
type Operation interface {
	build(r *Replica) ([]op, error)
}

// Insert places new elements immediately after After (Root for document
// start): an optional block marker followed by the runes of Text. Marks are
// applied to the inserted characters.
type Insert struct {
	After ID
	Text  string
	Block *Block
	Marks map[string]string
}

// Delete tombstones the given elements.
type Delete struct {
	Targets []ID
}

// Format sets Attr to Value on every visible element from From to To
// inclusive, in document order.
type Format struct {
	From  ID
	To    ID
	Attr  string
	Value string
}

func (in Insert) build(r *Replica) ([]op, error) {
	if !r.exists(in.After) {
		return nil, fmt.Errorf("insert: anchor %s not found", in.After)
	}
	if in.Text == "" && in.Block == nil {
		return nil, fmt.Errorf("insert: nothing to insert")
	}
	if !utf8.ValidString(in.Text) {
		return nil, fmt.Errorf("insert: text is not valid UTF-8")
	}
	if in.Block != nil && !in.Block.valid() {
		return nil, fmt.Errorf("insert: invalid block %+v", *in.Block)
	}
	for attr, v := range in.Marks {
		if !isMarkAttr(attr) {
			return nil, fmt.Errorf("insert: %q is not a mark", attr)
		}
		if err := validAttrValue(attr, v); err != nil {
			return nil, fmt.Errorf("insert: %w", err)
		}
	}

	var ops []op
	origin := in.After
	if in.Block != nil {
		o := r.nextOp(opInsert)
		o.origin = origin
		o.block = *in.Block
		ops = append(ops, o)
		origin = o.id
	}
	var chars []ID
	for _, ch := range in.Text {
		o := r.nextOp(opInsert)
		o.origin = origin
		o.char = ch
		ops = append(ops, o)
		origin = o.id
		chars = append(chars, o.id)
	}

	if len(chars) > 0 {
		attrs := make([]string, 0, len(in.Marks))
		for attr := range in.Marks {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)
		for _, attr := range attrs {
			o := r.nextOp(opFormat)
			o.targets = chars
			o.attr = attr
			o.value = in.Marks[attr]
			ops = append(ops, o)
		}
	}
	return ops, nil
}

func (d Delete) build(r *Replica) ([]op, error) {
	var live []ID
	for _, t := range d.Targets {
		it, ok := r.items[t]
		if !ok || t.IsRoot() {
			return nil, fmt.Errorf("delete: element %s not found", t)
		}
		if !it.deleted {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	o := r.nextOp(opDelete)
	o.targets = live
	return []op{o}, nil
}

func (f Format) build(r *Replica) ([]op, error) {
	if err := validAttrValue(f.Attr, f.Value); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	for _, id := range []ID{f.From, f.To} {
		if id.IsRoot() || !r.exists(id) {
			return nil, fmt.Errorf("format: element %s not found", id)
		}
	}

	var targets []ID
	inRange := false
	done := false
	r.walk(func(it *item) bool {
		if it.id == f.From {
			inRange = true
		}
		if inRange && !it.deleted && it.isBlock() == (f.Attr == AttrBlock) {
			targets = append(targets, it.id)
		}
		if it.id == f.To {
			done = inRange
			return false
		}
		return true
	})
	if !done {
		return nil, fmt.Errorf("format: %s does not precede %s", f.From, f.To)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	o := r.nextOp(opFormat)
	o.targets = targets
	o.attr = f.Attr
	o.value = f.Value
	return []op{o}, nil
}
