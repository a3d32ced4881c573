package message

import "time"

// TypeText marks a plain text message. Every other message type expects
// attachments.
const TypeText = "text"

// Envelope is the canonical record of one ingested message. Once appended to
// history it is never modified.
type Envelope struct {
	ID          string             `json:"id"`
	Sender      string             `json:"sender"`
	Receiver    string             `json:"receiver"`
	MessageType string             `json:"message_type"`
	Text        string             `json:"message"`
	Timestamp   time.Time          `json:"timestamp"`
	Attachments []AttachmentRecord `json:"payload"`
	RequestID   string             `json:"request_id,omitempty"`
}

// AttachmentRecord describes an attachment after it has been written to disk.
// StoredName is empty when Error is set.
type AttachmentRecord struct {
	StoredName   string `json:"name"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size"`
	SHA256       string `json:"sha256,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ExpectsAttachments reports whether messages of this type carry a payload.
func ExpectsAttachments(messageType string) bool {
	return messageType != TypeText
}

// Clone returns a copy that shares no slices with e.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Attachments != nil {
		out.Attachments = make([]AttachmentRecord, len(e.Attachments))
		copy(out.Attachments, e.Attachments)
	}
	return out
}

// StoredNames lists the names of attachments that made it to disk.
func (e Envelope) StoredNames() []string {
	names := make([]string, 0, len(e.Attachments))
	for _, att := range e.Attachments {
		if att.Error == "" && att.StoredName != "" {
			names = append(names, att.StoredName)
		}
	}
	return names
}
