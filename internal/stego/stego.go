// Package stego embeds payloads after the end of a carrier file and scans
// artifacts for embedded JPEG streams.
//
// Embedding is plain concatenation: image, audio and video decoders stop at
// their own end-of-data marker, so trailing bytes are ignored by players and
// viewers. Extraction looks for JPEG start-of-image (FF D8) and end-of-image
// (FF D9) markers by default. Artifacts that open with an MP4 file-type atom
// can instead be walked atom by atom with ExtractMP4.
package stego

import "bytes"

var (
	StartMarker = []byte{0xFF, 0xD8}
	EndMarker   = []byte{0xFF, 0xD9}
)

// Blob is one extracted sub-payload and its offset within the artifact.
type Blob struct {
	Offset int
	Data   []byte
}

// Embed returns carrier followed by payload. Neither input is modified.
func Embed(carrier, payload []byte) []byte {
	out := make([]byte, 0, len(carrier)+len(payload))
	out = append(out, carrier...)
	return append(out, payload...)
}

// Extract returns every start..end marker span in data, markers included,
// in order of appearance. A start marker with no later end marker ends the
// scan without producing a blob.
// Returned blobs share no memory with data.
func Extract(data []byte) []Blob {
	var blobs []Blob
	cursor := 0
	for cursor < len(data) {
		i := bytes.Index(data[cursor:], StartMarker)
		if i < 0 {
			break
		}
		start := cursor + i
		j := bytes.Index(data[start:], EndMarker)
		if j < 0 {
			break
		}
		end := start + j + len(EndMarker)
		blobs = append(blobs, Blob{
			Offset: start,
			Data:   append([]byte(nil), data[start:end]...),
		})
		cursor = end
	}
	return blobs
}
