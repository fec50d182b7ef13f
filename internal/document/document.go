// Package document defines the unit committed to the document store (Doc
// in the data model) and its wire representation on the write-log stream.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrMalformedPayload is returned when a stream entry's data field cannot
// be decoded into a Document. Callers treat this as a poison pill:
// acknowledge without commit rather than retry forever.
var ErrMalformedPayload = errors.New("document: malformed payload")

// Document is the unit committed to the document store. It carries no
// client-assigned primary key; ID is populated only once the store has
// assigned one on insert and it has been read back (bson "_id").
type Document struct {
	ID        *primitive.ObjectID `json:"id,omitempty" bson:"_id,omitempty"`
	Type      string              `json:"type" bson:"type"`
	Index     int                 `json:"index,omitempty" bson:"index,omitempty"`
	Payload   string              `json:"payload" bson:"payload"`
	Timestamp string              `json:"timestamp" bson:"timestamp"`
}

// IDHex returns the store-assigned id as a hex string, or "" if unset.
func (d Document) IDHex() string {
	if d.ID == nil {
		return ""
	}
	return d.ID.Hex()
}

// New builds a write-type document with the current time in RFC3339.
func New(index int, payload string) Document {
	return Document{
		Type:      "write",
		Index:     index,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// MarshalEntry renders the document as the JSON blob carried in a stream
// entry's single "data" field (spec §6 broker stream schema).
func (d Document) MarshalEntry() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("document: marshal entry: %w", err)
	}
	return string(b), nil
}

// ParseEntry decodes a stream entry's "data" field back into a Document.
// A legacy "ts" field is accepted as an alias for "timestamp" (spec §6
// lists both as acceptable field names in the entry payload).
func ParseEntry(raw string) (Document, error) {
	var aux struct {
		Type      string `json:"type"`
		Index     int    `json:"index"`
		Payload   string `json:"payload"`
		Timestamp string `json:"timestamp"`
		TS        string `json:"ts"`
	}
	if err := json.Unmarshal([]byte(raw), &aux); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if aux.Payload == "" {
		return Document{}, fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}
	ts := aux.Timestamp
	if ts == "" {
		ts = aux.TS
	}
	if ts == "" {
		return Document{}, fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	return Document{
		Type:      aux.Type,
		Index:     aux.Index,
		Payload:   aux.Payload,
		Timestamp: ts,
	}, nil
}
