// Package engine runs the hide and decode operations: it binds the stego
// algorithms to carrier lookup, artifact files and the audit log.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rust-Ghost/ShakGPT/internal/protocol"
	"github.com/rust-Ghost/ShakGPT/internal/stego"
	"github.com/rust-Ghost/ShakGPT/internal/store"
	"github.com/sirupsen/logrus"
)

// CarrierSource resolves carrier ids.
type CarrierSource interface {
	Carrier(id int64) (*store.Carrier, error)
}

// RecordSink receives audit records.
type RecordSink interface {
	AppendRecord(r *store.HiddenPayloadRecord) error
}

// Source is a carrier whose media file has been located.
type Source struct {
	Carrier store.Carrier
	Kind    store.MediaKind
	Path    string
}

// Artifact is the result of a successful embed.
type Artifact struct {
	Ref  string
	Kind store.MediaKind
	Data []byte
}

// Embedder appends payloads to carrier media.
type Embedder struct {
	carriers CarrierSource
	records  RecordSink
	dir      *ArtifactDir
}

func NewEmbedder(carriers CarrierSource, records RecordSink, dir *ArtifactDir) *Embedder {
	return &Embedder{carriers: carriers, records: records, dir: dir}
}

// Resolve looks up carrierID and checks that its media file exists.
func (e *Embedder) Resolve(carrierID int64) (*Source, error) {
	c, err := e.carriers.Carrier(carrierID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: id %d", protocol.ErrCarrierNotFound, carrierID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: carrier %d: %v", protocol.ErrStore, carrierID, err)
	}
	kind, path, err := c.Media()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrCarrierNotFound, err)
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: id %d media %s unavailable", protocol.ErrCarrierNotFound, carrierID, path)
	}
	return &Source{Carrier: *c, Kind: kind, Path: path}, nil
}

// Embed hides payload in carrierID on behalf of ownerID.
func (e *Embedder) Embed(ownerID string, carrierID int64, payload []byte) (*Artifact, error) {
	src, err := e.Resolve(carrierID)
	if err != nil {
		return nil, err
	}
	return e.EmbedInto(ownerID, src, payload)
}

// EmbedInto writes carrier||payload as a new artifact and records it. The
// record is appended only after the artifact is on disk; if the append
// fails the artifact is removed again.
func (e *Embedder) EmbedInto(ownerID string, src *Source, payload []byte) (*Artifact, error) {
	carrier, err := os.ReadFile(src.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: media %s vanished", protocol.ErrCarrierNotFound, src.Path)
		}
		return nil, fmt.Errorf("%w: read carrier: %v", protocol.ErrStore, err)
	}

	out := stego.Embed(carrier, payload)
	ref, err := e.dir.Write(ownerID, "", filepath.Ext(src.Path), out)
	if err != nil {
		return nil, fmt.Errorf("%w: write artifact: %v", protocol.ErrStore, err)
	}

	rec := &store.HiddenPayloadRecord{OwnerID: ownerID, MediaKind: src.Kind, ArtifactRef: ref}
	if err := e.records.AppendRecord(rec); err != nil {
		if rmErr := e.dir.Remove(ref); rmErr != nil {
			logrus.WithFields(logrus.Fields{
				"artifact": ref,
				"error":    rmErr,
			}).Warn("Failed to remove unrecorded artifact")
		}
		return nil, fmt.Errorf("%w: record artifact: %v", protocol.ErrStore, err)
	}

	logrus.WithFields(logrus.Fields{
		"owner":      ownerID,
		"carrier":    src.Carrier.ID,
		"kind":       src.Kind.String(),
		"artifact":   ref,
		"payload":    len(payload),
		"total_size": len(out),
	}).Info("Payload embedded")

	return &Artifact{Ref: ref, Kind: src.Kind, Data: out}, nil
}
