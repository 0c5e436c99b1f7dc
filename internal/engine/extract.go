package engine

import (
	"fmt"
	"strconv"

	"github.com/rust-Ghost/ShakGPT/internal/protocol"
	"github.com/rust-Ghost/ShakGPT/internal/stego"
	"github.com/rust-Ghost/ShakGPT/internal/store"
	"github.com/sirupsen/logrus"
)

// Extracted is one recovered blob and the artifact it was saved as.
type Extracted struct {
	stego.Blob
	Ref string
}

// Extractor recovers payloads hidden in submitted media. MP4 input is split
// into its embedded MP4 files; everything else is scanned for JPEG streams.
type Extractor struct {
	records RecordSink
	dir     *ArtifactDir
}

func NewExtractor(records RecordSink, dir *ArtifactDir) *Extractor {
	return &Extractor{records: records, dir: dir}
}

// Extract scans data, saves every blob found and appends one record per
// blob, in offset order. Records already appended stay in place if a later
// blob fails; the log is append-only.
func (x *Extractor) Extract(ownerID string, data []byte) ([]Extracted, error) {
	kind, ext := store.KindImage, ".jpg"
	var blobs []stego.Blob
	if stego.IsMP4(data) {
		kind, ext = store.KindVideo, ".mp4"
		blobs = stego.ExtractMP4(data)
	} else {
		blobs = stego.Extract(data)
	}

	out := make([]Extracted, 0, len(blobs))
	for i, b := range blobs {
		ref, err := x.dir.Write(ownerID, strconv.Itoa(i+1), ext, b.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: write blob %d: %v", protocol.ErrStore, i+1, err)
		}
		rec := &store.HiddenPayloadRecord{OwnerID: ownerID, MediaKind: kind, ArtifactRef: ref}
		if err := x.records.AppendRecord(rec); err != nil {
			x.dir.Remove(ref) //nolint:errcheck
			return nil, fmt.Errorf("%w: record blob %d: %v", protocol.ErrStore, i+1, err)
		}
		out = append(out, Extracted{Blob: b, Ref: ref})
	}

	logrus.WithFields(logrus.Fields{
		"owner": ownerID,
		"kind":  kind.String(),
		"size":  len(data),
		"count": len(out),
	}).Info("Artifact scanned")

	return out, nil
}
