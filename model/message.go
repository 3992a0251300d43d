package model

// RawMessage is a single message as fetched from the mailbox. ID is the IMAP
// UID of the message; Header and Body hold the undecoded section bytes.
type RawMessage struct {
	ID     uint32
	Header []byte
	Body   []byte
}

// DecodedMessage holds the plain-text subject and body of a RawMessage.
type DecodedMessage struct {
	Subject string
	Body    string
}

// Envelope wraps a message alongside an optional error encountered while
// reading it.
type Envelope struct {
	Message RawMessage
	Err     error
}
