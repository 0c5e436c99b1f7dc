package stego

import (
	"bytes"
	"encoding/binary"
)

const atomHeaderSize = 8

var ftyp = []byte("ftyp")

// IsMP4 reports whether data opens with an ISO-BMFF file-type atom.
func IsMP4(data []byte) bool {
	_, typ, ok := atomAt(data, 0)
	return ok && bytes.Equal(typ, ftyp)
}

// ExtractMP4 walks the top-level size||type atoms of data and returns one
// blob per MP4 file found. A file starts at an ftyp atom and runs until the
// next top-level ftyp atom or the last valid atom. The walk stops at the
// first atom whose size is below the header size or runs past the end of
// data; nested atoms are never inspected.
//
// For an artifact produced by embedding an MP4 payload into an MP4 carrier
// the first blob is the carrier itself.
func ExtractMP4(data []byte) []Blob {
	var blobs []Blob
	off := 0
	for {
		size, typ, ok := atomAt(data, off)
		if !ok {
			return blobs
		}
		if !bytes.Equal(typ, ftyp) {
			off += size
			continue
		}
		end := off + size
		for {
			n, t, ok := atomAt(data, end)
			if !ok || bytes.Equal(t, ftyp) {
				break
			}
			end += n
		}
		blobs = append(blobs, Blob{
			Offset: off,
			Data:   append([]byte(nil), data[off:end]...),
		})
		off = end
	}
}

// atomAt decodes the atom header at off. ok is false when the header is
// truncated or the declared size is invalid for the remaining data.
func atomAt(data []byte, off int) (size int, typ []byte, ok bool) {
	if off < 0 || len(data)-off < atomHeaderSize {
		return 0, nil, false
	}
	n := binary.BigEndian.Uint32(data[off:])
	if n < atomHeaderSize || uint64(n) > uint64(len(data)-off) {
		return 0, nil, false
	}
	return int(n), data[off+4 : off+8], true
}
