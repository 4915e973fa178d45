package crdt

import (
	"encoding/binary"
	"hash/crc32"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/notepulse/internal/errs"
)

// Update wire layout:
//
//	magic 'N' | varint version
//	varint n | n × string replica      (replica table)
//	varint m | m × op
//	uint32 big-endian CRC-32 (IEEE) of everything before it
//
// op:
//
//	varint kind | varint replica index | varint seq | varint lamport
//	insert: ref origin | varint rune | varint block type | varint level
//	delete: varint k | k × ref
//	format: varint k | k × ref | string attr | string value
//
// ref is varint 0 for Root, otherwise replica index+1 followed by varint seq.
const (
	updateMagic   = 'N'
	updateVersion = 1
	crcSize       = 4
)

func encodeUpdate(ops []op) Update {
	index := make(map[string]uint64)
	var table []string
	add := func(rep string) {
		if _, ok := index[rep]; !ok && rep != "" {
			index[rep] = uint64(len(table))
			table = append(table, rep)
		}
	}
	for _, o := range ops {
		add(o.id.Replica)
		add(o.origin.Replica)
		for _, t := range o.targets {
			add(t.Replica)
		}
	}

	b := []byte{updateMagic}
	b = protowire.AppendVarint(b, updateVersion)
	b = protowire.AppendVarint(b, uint64(len(table)))
	for _, rep := range table {
		b = protowire.AppendString(b, rep)
	}

	appendRef := func(b []byte, id ID) []byte {
		if id.IsRoot() {
			return protowire.AppendVarint(b, 0)
		}
		b = protowire.AppendVarint(b, index[id.Replica]+1)
		return protowire.AppendVarint(b, id.Seq)
	}

	b = protowire.AppendVarint(b, uint64(len(ops)))
	for _, o := range ops {
		b = protowire.AppendVarint(b, uint64(o.kind))
		b = protowire.AppendVarint(b, index[o.id.Replica])
		b = protowire.AppendVarint(b, o.id.Seq)
		b = protowire.AppendVarint(b, o.lamport)
		switch o.kind {
		case opInsert:
			b = appendRef(b, o.origin)
			b = protowire.AppendVarint(b, uint64(o.char))
			b = protowire.AppendVarint(b, uint64(o.block.Type))
			b = protowire.AppendVarint(b, uint64(o.block.Level))
		case opDelete, opFormat:
			b = protowire.AppendVarint(b, uint64(len(o.targets)))
			for _, t := range o.targets {
				b = appendRef(b, t)
			}
			if o.kind == opFormat {
				b = protowire.AppendString(b, o.attr)
				b = protowire.AppendString(b, o.value)
			}
		}
	}

	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

func decodeUpdate(u Update) ([]op, error) {
	ops, err := decodeOps(u)
	if err != nil {
		return nil, errs.New(errs.CodeDecode, "decode update", err)
	}
	return ops, nil
}

func decodeOps(u Update) ([]op, error) {
	if len(u) < 1+crcSize {
		return nil, errTooShort
	}
	body, sum := u[:len(u)-crcSize], u[len(u)-crcSize:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(sum) {
		return nil, errChecksum
	}
	if body[0] != updateMagic {
		return nil, errMagic
	}

	d := decoder{buf: body[1:]}
	if v := d.varint(); d.err == nil && v != updateVersion {
		d.fail("unsupported version %d", v)
	}

	nrep := d.count()
	table := make([]string, 0, nrep)
	for i := 0; i < nrep && d.err == nil; i++ {
		rep := d.string()
		if d.err == nil && rep == "" {
			d.fail("empty replica id in table")
		}
		table = append(table, rep)
	}

	replica := func() string {
		i := d.varint()
		if d.err == nil && i >= uint64(len(table)) {
			d.fail("replica index %d out of range", i)
			return ""
		}
		if d.err != nil {
			return ""
		}
		return table[i]
	}
	ref := func() ID {
		i := d.varint()
		if d.err != nil || i == 0 {
			return Root
		}
		if i > uint64(len(table)) {
			d.fail("reference index %d out of range", i)
			return Root
		}
		id := ID{Replica: table[i-1], Seq: d.varint()}
		if d.err == nil && id.Seq == 0 {
			d.fail("reference with zero seq")
		}
		return id
	}
	targets := func() []ID {
		k := d.count()
		if d.err == nil && k == 0 {
			d.fail("operation without targets")
		}
		out := make([]ID, 0, k)
		for j := 0; j < k && d.err == nil; j++ {
			t := ref()
			if d.err == nil && t.IsRoot() {
				d.fail("operation targets root")
			}
			out = append(out, t)
		}
		return out
	}

	nops := d.count()
	ops := make([]op, 0, nops)
	for i := 0; i < nops && d.err == nil; i++ {
		var o op
		o.kind = opKind(d.varint())
		o.id.Replica = replica()
		o.id.Seq = d.varint()
		o.lamport = d.varint()
		if d.err != nil {
			break
		}
		if o.id.Seq == 0 || o.lamport == 0 {
			d.fail("op %d: zero seq or lamport", i)
			break
		}

		switch o.kind {
		case opInsert:
			o.origin = ref()
			ch := d.varint()
			o.block.Type = BlockType(d.varint())
			o.block.Level = int(d.varint())
			if d.err != nil {
				break
			}
			if ch > utf8.MaxRune {
				d.fail("op %d: invalid rune %d", i, ch)
				break
			}
			o.char = rune(ch)
			isChar := o.char != 0 && o.block == Block{}
			isBlock := o.char == 0 && o.block.valid()
			if !isChar && !isBlock {
				d.fail("op %d: insert must carry one rune or one block", i)
			} else if isChar && !utf8.ValidRune(o.char) {
				d.fail("op %d: invalid rune %d", i, ch)
			}

		case opDelete:
			o.targets = targets()

		case opFormat:
			o.targets = targets()
			o.attr = d.string()
			o.value = d.string()
			if d.err == nil {
				if err := validAttrValue(o.attr, o.value); err != nil {
					d.fail("op %d: %v", i, err)
				}
			}

		default:
			d.fail("op %d: unknown kind %d", i, o.kind)
		}
		ops = append(ops, o)
	}

	if d.err == nil && len(d.buf) > 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}
	if d.err != nil {
		return nil, d.err
	}
	return ops, nil
}

type decodeError string

func (e decodeError) Error() string { return string(e) }

const (
	errTooShort = decodeError("update too short")
	errChecksum = decodeError("checksum mismatch")
	errMagic    = decodeError("bad magic byte")
)
