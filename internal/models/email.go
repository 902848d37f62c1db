package models

import "time"

// Sentinel values used when a received message lacks the corresponding field
const (
	UnknownSender = "Unknown Sender"
	NoSubject     = "No Subject"
	NoDate        = "No Date"
	NoBody        = "No Body"
)

// Envelope is an outbound compose request
type Envelope struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Receipt is what the relay hands back after accepting a message
type Receipt struct {
	TransportID string
}

// SentRecord is one durable entry per successfully relayed message.
// Records are immutable once appended to the store.
type SentRecord struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	Subject     string    `json:"subject"`
	Body        string    `json:"text"`
	SentAt      time.Time `json:"date"`
	TransportID string    `json:"transportId"`
}

// ReceivedRecord represents a normalized message returned by a retrieval session.
// Every field carries a sentinel when the source message lacks it.
type ReceivedRecord struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	Body    string `json:"body"`
}
