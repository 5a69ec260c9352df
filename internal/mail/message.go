package mail

import (
	"encoding/json"
	"fmt"
)

// Recipient is one entry of a to/cc/bcc list. On the wire it is either a bare
// address string or an [address, displayName] pair; both forms round-trip.
type Recipient struct {
	Address string `validate:"required,email"`
	Name    string
}

func (r Recipient) MarshalJSON() ([]byte, error) {
	if r.Name == "" {
		return json.Marshal(r.Address)
	}
	return json.Marshal([2]string{r.Address, r.Name})
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	var addr string
	if err := json.Unmarshal(data, &addr); err == nil {
		r.Address = addr
		r.Name = ""
		return nil
	}
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("recipient must be a string or [address, name] pair")
	}
	if len(pair) != 2 {
		return fmt.Errorf("recipient pair must have exactly 2 elements, got %d", len(pair))
	}
	r.Address = pair[0]
	r.Name = pair[1]
	return nil
}

// Attachment references a file on disk, with an optional display name.
// Wire form: [path] or [path, name].
type Attachment struct {
	Path string `validate:"required"`
	Name string
}

func (a Attachment) MarshalJSON() ([]byte, error) {
	if a.Name == "" {
		return json.Marshal([1]string{a.Path})
	}
	return json.Marshal([2]string{a.Path, a.Name})
}

func (a *Attachment) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("attachment must be a [path] or [path, name] array")
	}
	if len(parts) < 1 || len(parts) > 2 {
		return fmt.Errorf("attachment must have 1 or 2 elements, got %d", len(parts))
	}
	a.Path = parts[0]
	if len(parts) == 2 {
		a.Name = parts[1]
	} else {
		a.Name = ""
	}
	return nil
}

// Embedded references an inline image addressed by content-id.
// Wire form: [path, cid] or [path, cid, name].
type Embedded struct {
	Path string `validate:"required"`
	CID  string `validate:"required"`
	Name string
}

func (e Embedded) MarshalJSON() ([]byte, error) {
	if e.Name == "" {
		return json.Marshal([2]string{e.Path, e.CID})
	}
	return json.Marshal([3]string{e.Path, e.CID, e.Name})
}

func (e *Embedded) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("embedded image must be a [path, cid] or [path, cid, name] array")
	}
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("embedded image must have 2 or 3 elements, got %d", len(parts))
	}
	e.Path = parts[0]
	e.CID = parts[1]
	if len(parts) == 3 {
		e.Name = parts[2]
	} else {
		e.Name = ""
	}
	return nil
}

// Message is a single mail job: the payload of sendMail/queueMail and the
// document persisted in the queue.
type Message struct {
	To             []Recipient       `json:"to,omitempty" validate:"omitempty,dive"`
	CCList         []Recipient       `json:"ccList,omitempty" validate:"omitempty,dive"`
	BCCList        []Recipient       `json:"bccList,omitempty" validate:"omitempty,dive"`
	Attachments    []Attachment      `json:"attachments,omitempty" validate:"omitempty,dive"`
	Embedded       []Embedded        `json:"embedded,omitempty" validate:"omitempty,dive"`
	Subject        string            `json:"subject,omitempty"`
	Body           string            `json:"body,omitempty"`
	UseTemplate    string            `json:"useTemplate,omitempty"`
	ReplaceContent map[string]string `json:"replaceContent,omitempty"`
	FromName       string            `json:"fromName,omitempty"`
	FromEmail      string            `json:"fromEmail,omitempty" validate:"omitempty,email"`
	SMTPHost       string            `json:"smtpHost,omitempty"`
	SMTPUser       string            `json:"smtpUser,omitempty"`
	SMTPPassword   string            `json:"smtpPassword,omitempty"`

	// SMTPEncryptPassword replaces SMTPPassword at rest when field-level
	// encryption is active. Never accepted from clients.
	SMTPEncryptPassword string `json:"smtpEncryptPassword,omitempty"`

	SMTPPort       int    `json:"smtpPort,omitempty" validate:"min=0,max=65535"`
	SMTPEncryption string `json:"smtpEncryption,omitempty" validate:"omitempty,oneof=tls ssl none"`

	// ScheduleTime is epoch seconds; nil means eligible immediately.
	ScheduleTime *int64 `json:"scheduleTime,omitempty"`

	FailToDelivered int `json:"failToDelivered"`
}

// HasRecipients reports whether at least one of to/ccList/bccList is
// non-empty. Messages without any recipient are rejected before persistence.
func (m *Message) HasRecipients() bool {
	return len(m.To) > 0 || len(m.CCList) > 0 || len(m.BCCList) > 0
}

// Redact strips the password fields. Every read path returns redacted
// documents; only the delivery path sees the reassembled password.
func (m *Message) Redact() {
	m.SMTPPassword = ""
	m.SMTPEncryptPassword = ""
}
