// Package columnarfile reads and writes the on-disk representation of an
// immutable L0/L1 file artifact (§3): a row.Batch, checksummed and
// compressed. Bit-exact wire layout is explicitly out of scope (spec.md
// §1 delegates that to "the columnar-format collaborator"); this is the
// minimal real artifact needed to exercise persist/compact/query against
// something actually written and read back.
package columnarfile

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/cuemby/tsdbcore/pkg/row"
	"github.com/cuemby/tsdbcore/pkg/schema"
)

// magic identifies the file format; bumping it is a breaking change.
const magic = "TSDBCF01"

// ErrCorrupt is returned when the stored checksum does not match the
// file's contents.
var ErrCorrupt = errors.New("columnarfile: checksum mismatch")

// wireBatch is the gob-serializable shape of a row.Batch: everything
// exported, no interfaces, safe to round-trip without type registration.
type wireBatch struct {
	Schema     *schema.Schema
	ChunkOrder []int64
	Columns    map[string]*row.Columns
}

// Write encodes batch as: an 8-byte magic, an 8-byte little-endian xxh3
// checksum of the compressed body, then the zstd-compressed gob encoding
// of the batch.
func Write(batch *row.Batch) ([]byte, error) {
	wb := wireBatch{
		Schema:     batch.Schema,
		ChunkOrder: batch.ChunkOrder,
		Columns:    batch.Columns(),
	}

	var gobBuf bytes.Buffer
	if err := gob.NewEncoder(&gobBuf).Encode(&wb); err != nil {
		return nil, fmt.Errorf("columnarfile: encode: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("columnarfile: zstd writer: %w", err)
	}
	compressed := enc.EncodeAll(gobBuf.Bytes(), nil)
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("columnarfile: zstd close: %w", err)
	}

	checksum := xxh3.Hash(compressed)

	out := bytes.NewBuffer(make([]byte, 0, len(magic)+8+len(compressed)))
	out.WriteString(magic)
	if err := binary.Write(out, binary.LittleEndian, checksum); err != nil {
		return nil, err
	}
	out.Write(compressed)
	return out.Bytes(), nil
}

// Read decodes a file previously produced by Write, verifying its
// checksum and magic before touching the compressed body.
func Read(data []byte) (*row.Batch, error) {
	if len(data) < len(magic)+8 {
		return nil, fmt.Errorf("columnarfile: truncated file")
	}
	if string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("columnarfile: unrecognized magic")
	}

	var checksum uint64
	if err := binary.Read(bytes.NewReader(data[len(magic):len(magic)+8]), binary.LittleEndian, &checksum); err != nil {
		return nil, err
	}

	compressed := data[len(magic)+8:]
	if xxh3.Hash(compressed) != checksum {
		return nil, ErrCorrupt
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("columnarfile: zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("columnarfile: decompress: %w", err)
	}

	var wb wireBatch
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&wb); err != nil {
		return nil, fmt.Errorf("columnarfile: decode: %w", err)
	}
	return row.FromColumns(wb.Schema, wb.ChunkOrder, wb.Columns), nil
}
