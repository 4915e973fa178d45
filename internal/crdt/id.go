package crdt

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/notepulse/internal/errs"
)

// ID identifies one operation, and the element it created, across all
// replicas.
type ID struct {
	Replica string `json:"replica"`
	Seq     uint64 `json:"seq"`
}

// Root is the virtual anchor before the first element.
var Root = ID{}

// IsRoot reports whether id is the document-start anchor.
func (id ID) IsRoot() bool {
	return id.Replica == "" && id.Seq == 0
}

func (id ID) String() string {
	if id.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%s:%d", id.Replica, id.Seq)
}

// StateVector maps replica id to the highest contiguous sequence number
// incorporated from that replica.
type StateVector map[string]uint64

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Contains reports whether the operation id is covered by sv.
func (sv StateVector) Contains(id ID) bool {
	return id.Seq <= sv[id.Replica]
}

// Dominates reports whether sv has seen everything other has seen.
func (sv StateVector) Dominates(other StateVector) bool {
	for k, v := range other {
		if sv[k] < v {
			return false
		}
	}
	return true
}

func (sv StateVector) replicas() []string {
	out := make([]string, 0, len(sv))
	for k := range sv {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

const stateVectorVersion = 1

// Encode serializes sv with replicas in sorted order, so equal vectors encode
// to equal bytes.
func (sv StateVector) Encode() []byte {
	b := protowire.AppendVarint(nil, stateVectorVersion)
	reps := sv.replicas()
	b = protowire.AppendVarint(b, uint64(len(reps)))
	for _, r := range reps {
		b = protowire.AppendString(b, r)
		b = protowire.AppendVarint(b, sv[r])
	}
	return b
}

// DecodeStateVector parses the output of StateVector.Encode.
func DecodeStateVector(data []byte) (StateVector, error) {
	d := decoder{buf: data}
	if v := d.varint(); d.err == nil && v != stateVectorVersion {
		return nil, errs.Newf(errs.CodeDecode, "decode state vector", "unsupported version %d", v)
	}
	n := d.count()
	sv := make(StateVector, n)
	for i := 0; i < n && d.err == nil; i++ {
		r := d.string()
		seq := d.varint()
		if d.err == nil && r == "" {
			d.fail("empty replica id")
		}
		sv[r] = seq
	}
	if d.err == nil && len(d.buf) > 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}
	if d.err != nil {
		return nil, errs.New(errs.CodeDecode, "decode state vector", d.err)
	}
	return sv, nil
}

// decoder consumes protowire primitives, remembering the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *decoder) varint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	s, n := protowire.ConsumeString(d.buf)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return ""
	}
	d.buf = d.buf[n:]
	return s
}

// count reads a collection length and bounds it by the remaining input, so
// a corrupt length cannot trigger a huge allocation.
func (d *decoder) count() int {
	v := d.varint()
	if d.err != nil {
		return 0
	}
	if v > uint64(len(d.buf)) {
		d.fail("count %d exceeds remaining %d bytes", v, len(d.buf))
		return 0
	}
	return int(v)
}
