// ABOUTME: Wire frames for the live whiteboard stream
// ABOUTME: A snapshot frame starts a stream, mutation frames follow in version order
package broadcast

import "github.com/harperreed/whiteboard/models"

type FrameType string

const (
	// FrameSnapshot carries a full state; the receiver replaces its replica.
	FrameSnapshot FrameType = "snapshot"
	// FrameMutation carries the record directly after the last one sent.
	FrameMutation FrameType = "mutation"
	// FrameResync tells the receiver the stream broke; it should reconnect
	// with its last seen version.
	FrameResync FrameType = "resync"
	// FrameClosed ends the stream for good, e.g. because the document froze.
	FrameClosed FrameType = "closed"
)

// Frame is one message on the stream.
type Frame struct {
	Type     FrameType        `json:"type"`
	Version  int64            `json:"version"`
	Document *models.Document `json:"document,omitempty"`
	Mutation *models.Mutation `json:"mutation,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func SnapshotFrame(doc *models.Document) Frame {
	return Frame{Type: FrameSnapshot, Version: doc.Version, Document: doc}
}

func MutationFrame(m models.Mutation) Frame {
	return Frame{Type: FrameMutation, Version: m.Version, Mutation: &m}
}
