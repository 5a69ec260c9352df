package mailer

import "maildispatchd/internal/mail"

// Sender attempts delivery of a fully-specified message. The error text of a
// failed attempt is reported to callers and drives the retry policy; the
// SMTP dialogue itself is this package's private concern.
type Sender interface {
	Send(msg *mail.Message) error
}
