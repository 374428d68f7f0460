package models

import "time"

// Message is a single relayed chat message. It is never mutated once it
// has been appended to the conversation store.
type Message struct {
	ID        string    `json:"id" bson:"_id"` // ULID
	From      string    `json:"from" bson:"from"`
	To        string    `json:"to" bson:"to"`
	Body      string    `json:"message" bson:"message"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}
