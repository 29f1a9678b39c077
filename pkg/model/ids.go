// Package model defines the catalog document shapes and the wire envelopes
// exchanged over the work queues.
package model

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ID is the opaque 12-byte identifier used for every catalog document.
// It is hex-encoded on the wire and in log output.
type ID = bson.ObjectID

// NilID is the zero identifier.
var NilID ID

// NewID generates a fresh identifier.
func NewID() ID {
	return bson.NewObjectID()
}

// ParseID decodes a hex-encoded identifier.
func ParseID(s string) (ID, error) {
	return bson.ObjectIDFromHex(s)
}
