package wasm

import (
	"errors"
	"fmt"
)

// Import kinds in the binary format.
const (
	importFunc   = 0x00
	importTable  = 0x01
	importMemory = 0x02
	importGlobal = 0x03
)

var kindNames = map[byte]string{
	importTable:  "table",
	importMemory: "memory",
	importGlobal: "global",
}

var errTruncated = errors.New("truncated import section")

// dataImport is an import that is not a function.
type dataImport struct {
	module string
	name   string
	kind   string
}

// dataImports lists the table, memory and global imports of a module
// binary. wazero only reports imported functions and memories, so the
// import section is read directly. The binary must already have passed
// CompileModule.
func dataImports(code []byte) ([]dataImport, error) {
	if len(code) < 8 {
		return nil, errTruncated
	}
	r := &reader{b: code[8:]}
	for r.more() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.take(int(size))
		if err != nil {
			return nil, err
		}
		if id == 2 {
			return readImports(&reader{b: body})
		}
	}
	return nil, nil
}

func readImports(r *reader) ([]dataImport, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	var out []dataImport
	for range count {
		module, err := r.name()
		if err != nil {
			return nil, err
		}
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		switch kind {
		case importFunc:
			_, err = r.u32()
		case importTable:
			if _, err = r.byte(); err == nil {
				err = r.limits()
			}
		case importMemory:
			err = r.limits()
		case importGlobal:
			_, err = r.take(2)
		default:
			err = fmt.Errorf("unknown import kind 0x%02x", kind)
		}
		if err != nil {
			return nil, err
		}
		if kind != importFunc {
			out = append(out, dataImport{module: module, name: name, kind: kindNames[kind]})
		}
	}
	return out, nil
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) more() bool {
	return r.off < len(r.b)
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.b) {
		return 0, errTruncated
	}
	c := r.b[r.off]
	r.off++
	return c, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.b)-r.off < n {
		return nil, errTruncated
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

// u32 reads an unsigned LEB128 value.
func (r *reader) u32() (uint32, error) {
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		c, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errors.New("malformed LEB128")
}

func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	return string(b), err
}

func (r *reader) limits() error {
	flags, err := r.byte()
	if err != nil {
		return err
	}
	if _, err := r.u32(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		_, err = r.u32()
	}
	return err
}
