// Package protocol defines the wire messages and the length-prefixed framing
// codec used between server and clients.
package protocol

import (
	"github.com/vorwerick/tcp-drawing/pkg/entity"
)

type Kind string

const (
	// KindEntity announces a single created or updated entity.
	KindEntity Kind = "entity"
	// KindSnapshot carries the full entity table and replaces the receiver's.
	KindSnapshot Kind = "snapshot"
	// KindSnapshotRequest asks the peer to reply with KindSnapshot.
	KindSnapshotRequest Kind = "snapshot_request"
)

// Message is the tagged union of the wire protocol. Exactly one variant is
// active, selected by Kind: Entity for KindEntity, Entities for KindSnapshot,
// neither for KindSnapshotRequest.
type Message struct {
	Kind     Kind
	Entity   *entity.Entity
	Entities []entity.Entity
}

func NewEntityMessage(e entity.Entity) Message {
	return Message{Kind: KindEntity, Entity: &e}
}

func NewSnapshotMessage(entities []entity.Entity) Message {
	return Message{Kind: KindSnapshot, Entities: entities}
}

func NewSnapshotRequest() Message {
	return Message{Kind: KindSnapshotRequest}
}
