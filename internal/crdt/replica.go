package crdt

import (
	"fmt"
	"sort"
	"sync"
)

type opKind uint8

const (
	opInsert opKind = iota + 1
	opDelete
	opFormat
)

// op is one replicated operation. Which fields are set depends on kind.
type op struct {
	id      ID
	lamport uint64
	kind    opKind

	// insert
	origin ID
	char   rune
	block  Block

	// delete, format
	targets []ID

	// format
	attr  string
	value string
}

// deps returns the element ids that must exist before o can be integrated.
func (o op) deps() []ID {
	if o.kind == opInsert {
		return []ID{o.origin}
	}
	return o.targets
}

type register struct {
	value   string
	lamport uint64
	replica string
}

// wins reports whether a write at (lamport, replica) overrides reg.
func (reg register) wins(lamport uint64, replica string) bool {
	if lamport != reg.lamport {
		return lamport > reg.lamport
	}
	return replica > reg.replica
}

type item struct {
	id       ID
	lamport  uint64
	char     rune
	block    Block
	deleted  bool
	children []*item
	attrs    map[string]register
}

func (it *item) isBlock() bool {
	return it.block.Type != BlockNone
}

// precedes is the sibling order: newer Lamport first, then replica id
// ascending. Seq only separates elements of one replica, whose Lamport
// values are already distinct.
func (it *item) precedes(other *item) bool {
	if it.lamport != other.lamport {
		return it.lamport > other.lamport
	}
	if it.id.Replica != other.id.Replica {
		return it.id.Replica < other.id.Replica
	}
	return it.id.Seq > other.id.Seq
}

// effectiveBlock applies a block-type format over the marker's original type.
func (it *item) effectiveBlock() Block {
	if reg, ok := it.attrs[AttrBlock]; ok {
		if b, err := ParseBlock(reg.value); err == nil {
			return b
		}
	}
	return it.block
}

// Update is an encoded, immutable delta produced by a replica.
type Update []byte

// Replica is one participant's copy of a document.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Replica struct {
	mu sync.Mutex

	id      string
	lamport uint64
	root    *item
	items   map[ID]*item
	sv      StateVector
	log     map[string][]op
	pending map[ID]op

	// Provisional counters used while building a local operation.
	draftSeq     uint64
	draftLamport uint64
}

// NewReplica creates an empty replica. id must be unique among all replicas
// that will ever exchange updates for the document.
func NewReplica(id string) *Replica {
	root := &item{id: Root}
	return &Replica{
		id:      id,
		root:    root,
		items:   map[ID]*item{Root: root},
		sv:      StateVector{},
		log:     make(map[string][]op),
		pending: make(map[ID]op),
	}
}

// ID returns the replica identifier.
func (r *Replica) ID() string {
	return r.id
}

func (r *Replica) nextOp(kind opKind) op {
	r.draftSeq++
	r.draftLamport++
	return op{
		id:      ID{Replica: r.id, Seq: r.draftSeq},
		lamport: r.draftLamport,
		kind:    kind,
	}
}

func (r *Replica) exists(id ID) bool {
	_, ok := r.items[id]
	return ok
}

// ApplyLocal performs a local edit and returns the update to broadcast.
// The replica is unchanged when an error is returned. An edit that changes
// nothing (e.g. deleting a tombstone) returns an empty, valid update.
func (r *Replica) ApplyLocal(o Operation) (Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.draftSeq = r.sv[r.id]
	r.draftLamport = r.lamport
	ops, err := o.build(r)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		r.integrate(op)
	}
	return encodeUpdate(ops), nil
}

// ApplyRemote merges an update produced by any replica, including this one.
// Malformed payloads return a DECODE error and leave the replica untouched;
// the caller should request a full resync rather than retry the same bytes.
// Operations already seen are ignored; operations whose dependencies are
// missing are buffered until they arrive.
func (r *Replica) ApplyRemote(u Update) error {
	ops, err := decodeUpdate(u)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range ops {
		if r.sv.Contains(o.id) {
			continue
		}
		if _, dup := r.pending[o.id]; dup {
			continue
		}
		r.pending[o.id] = o
	}
	r.drain()
	return nil
}

// drain integrates buffered operations whose dependencies are satisfied.
// Each pass advances every replica's cursor as far as it can; passes repeat
// while any progress is made.
func (r *Replica) drain() {
	for progress := true; progress && len(r.pending) > 0; {
		progress = false
		for _, rep := range r.pendingReplicas() {
			for {
				next := ID{Replica: rep, Seq: r.sv[rep] + 1}
				o, ok := r.pending[next]
				if !ok || !r.ready(o) {
					break
				}
				delete(r.pending, next)
				r.integrate(o)
				progress = true
			}
		}
	}
}

func (r *Replica) pendingReplicas() []string {
	seen := make(map[string]bool)
	var out []string
	for id := range r.pending {
		if !seen[id.Replica] {
			seen[id.Replica] = true
			out = append(out, id.Replica)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Replica) ready(o op) bool {
	for _, d := range o.deps() {
		if !r.exists(d) {
			return false
		}
	}
	return true
}

// integrate applies o to the structure. Dependencies must be present.
func (r *Replica) integrate(o op) {
	switch o.kind {
	case opInsert:
		it := &item{id: o.id, lamport: o.lamport, char: o.char, block: o.block}
		parent := r.items[o.origin]
		i := sort.Search(len(parent.children), func(i int) bool {
			return it.precedes(parent.children[i])
		})
		parent.children = append(parent.children, nil)
		copy(parent.children[i+1:], parent.children[i:])
		parent.children[i] = it
		r.items[o.id] = it

	case opDelete:
		for _, t := range o.targets {
			r.items[t].deleted = true
		}

	case opFormat:
		for _, t := range o.targets {
			it := r.items[t]
			if it.attrs == nil {
				it.attrs = make(map[string]register)
			}
			if reg, ok := it.attrs[o.attr]; !ok || reg.wins(o.lamport, o.id.Replica) {
				it.attrs[o.attr] = register{value: o.value, lamport: o.lamport, replica: o.id.Replica}
			}
		}
	}

	if o.lamport > r.lamport {
		r.lamport = o.lamport
	}
	r.sv[o.id.Replica] = o.id.Seq
	r.log[o.id.Replica] = append(r.log[o.id.Replica], o)
}

// walk visits elements in document order, tombstones included, until fn
// returns false. The walk is iterative; typing produces long origin chains.
func (r *Replica) walk(fn func(*item) bool) {
	stack := make([]*item, 0, 64)
	for i := len(r.root.children) - 1; i >= 0; i-- {
		stack = append(stack, r.root.children[i])
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(it) {
			return
		}
		for i := len(it.children) - 1; i >= 0; i-- {
			stack = append(stack, it.children[i])
		}
	}
}

func (r *Replica) visible() []*item {
	var out []*item
	r.walk(func(it *item) bool {
		if !it.deleted {
			out = append(out, it)
		}
		return true
	})
	return out
}

// StateVector returns a copy of the replica's state vector.
func (r *Replica) StateVector() StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sv.Clone()
}

// DiffSince returns every integrated operation not covered by sv. Applying
// the result to a replica holding exactly sv reproduces this replica's
// content.
func (r *Replica) DiffSince(sv StateVector) Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ops []op
	for _, rep := range r.sv.replicas() {
		have := sv[rep]
		log := r.log[rep]
		if have < uint64(len(log)) {
			ops = append(ops, log[have:]...)
		}
	}
	return encodeUpdate(ops)
}

// EncodeState returns the full integrated state as a single update.
func (r *Replica) EncodeState() Update {
	return r.DiffSince(nil)
}

// LoadState creates a replica with the given id from an encoded state.
func LoadState(id string, state Update) (*Replica, error) {
	r := NewReplica(id)
	if err := r.ApplyRemote(state); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return r, nil
}

// Pending returns the number of buffered operations awaiting dependencies.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Len returns the number of visible elements, block markers included.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visible())
}

// IDAt returns the anchor for inserting at visible position pos: Root for 0,
// otherwise the element currently at pos-1.
func (r *Replica) IDAt(pos int) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pos == 0 {
		return Root, nil
	}
	vis := r.visible()
	if pos < 0 || pos > len(vis) {
		return ID{}, fmt.Errorf("position %d out of range [0,%d]", pos, len(vis))
	}
	return vis[pos-1].id, nil
}

// ElementsAt returns the ids of n visible elements starting at pos.
func (r *Replica) ElementsAt(pos, n int) ([]ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vis := r.visible()
	if pos < 0 || n < 0 || pos+n > len(vis) {
		return nil, fmt.Errorf("range [%d,%d) out of bounds (len %d)", pos, pos+n, len(vis))
	}
	ids := make([]ID, n)
	for i := range ids {
		ids[i] = vis[pos+i].id
	}
	return ids, nil
}

// InsertAt inserts text at a visible position.
func (r *Replica) InsertAt(pos int, text string) (Update, error) {
	after, err := r.IDAt(pos)
	if err != nil {
		return nil, err
	}
	return r.ApplyLocal(Insert{After: after, Text: text})
}

// DeleteAt deletes n visible elements starting at pos.
func (r *Replica) DeleteAt(pos, n int) (Update, error) {
	ids, err := r.ElementsAt(pos, n)
	if err != nil {
		return nil, err
	}
	return r.ApplyLocal(Delete{Targets: ids})
}

// FormatAt formats n visible elements starting at pos.
func (r *Replica) FormatAt(pos, n int, attr, value string) (Update, error) {
	if n <= 0 {
		return nil, fmt.Errorf("format: empty range")
	}
	ids, err := r.ElementsAt(pos, n)
	if err != nil {
		return nil, err
	}
	return r.ApplyLocal(Format{From: ids[0], To: ids[n-1], Attr: attr, Value: value})
}

// UpdateInfo summarizes an update without applying it.
type UpdateInfo struct {
	Ops int
	// Ranges maps origin replica to the [first, last] sequence numbers it
	// contributes.
	Ranges map[string][2]uint64
}

// Inspect decodes u and reports its origin replicas and sequence ranges.
func Inspect(u Update) (UpdateInfo, error) {
	ops, err := decodeUpdate(u)
	if err != nil {
		return UpdateInfo{}, err
	}
	info := UpdateInfo{Ops: len(ops), Ranges: make(map[string][2]uint64)}
	for _, o := range ops {
		rg, ok := info.Ranges[o.id.Replica]
		if !ok {
			rg = [2]uint64{o.id.Seq, o.id.Seq}
		}
		if o.id.Seq < rg[0] {
			rg[0] = o.id.Seq
		}
		if o.id.Seq > rg[1] {
			rg[1] = o.id.Seq
		}
		info.Ranges[o.id.Replica] = rg
	}
	return info, nil
}

// IsEmpty reports whether u carries no operations. Malformed updates are
// not empty.
func (u Update) IsEmpty() bool {
	info, err := Inspect(u)
	return err == nil && info.Ops == 0
}
