package mailer

import (
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"maildispatchd/internal/config"
	"maildispatchd/internal/mail"
)

// SMTPSender delivers messages over SMTP. It owns the configured credential;
// per-message overrides (smtpHost/User/Password/Port/Encryption, from fields)
// take precedence over the configured defaults.
type SMTPSender struct {
	smtp     config.SMTPConfig
	fromAddr string
	fromName string
	htmlMail bool
	logger   *zap.SugaredLogger
}

func NewSMTPSender(smtp config.SMTPConfig, fromAddr, fromName string, htmlMail bool, logger *zap.SugaredLogger) *SMTPSender {
	return &SMTPSender{
		smtp:     smtp,
		fromAddr: fromAddr,
		fromName: fromName,
		htmlMail: htmlMail,
		logger:   logger,
	}
}

func (s *SMTPSender) Send(msg *mail.Message) error {
	m := gomail.NewMessage()

	fromAddr := s.fromAddr
	if msg.FromEmail != "" {
		fromAddr = msg.FromEmail
	}
	fromName := s.fromName
	if msg.FromName != "" {
		fromName = msg.FromName
	}
	m.SetAddressHeader("From", fromAddr, fromName)

	if addrs := formatRecipients(m, msg.To); len(addrs) > 0 {
		m.SetHeader("To", addrs...)
	}
	if addrs := formatRecipients(m, msg.CCList); len(addrs) > 0 {
		m.SetHeader("Cc", addrs...)
	}
	if addrs := formatRecipients(m, msg.BCCList); len(addrs) > 0 {
		m.SetHeader("Bcc", addrs...)
	}

	m.SetHeader("Subject", msg.Subject)

	contentType := "text/plain"
	if s.htmlMail {
		contentType = "text/html"
	}
	m.SetBody(contentType, msg.Body)

	for _, att := range msg.Attachments {
		if att.Name != "" {
			m.Attach(att.Path, gomail.Rename(att.Name))
		} else {
			m.Attach(att.Path)
		}
	}
	for _, emb := range msg.Embedded {
		// gomail derives the content-id from the file name, so the cid is
		// applied as a rename.
		m.Embed(emb.Path, gomail.Rename(emb.CID))
	}

	host := s.smtp.Host
	if msg.SMTPHost != "" {
		host = msg.SMTPHost
	}
	port := s.smtp.Port
	if msg.SMTPPort > 0 {
		port = msg.SMTPPort
	}
	user := s.smtp.User
	if msg.SMTPUser != "" {
		user = msg.SMTPUser
	}
	password := s.smtp.Password
	if msg.SMTPPassword != "" {
		password = msg.SMTPPassword
	}
	encryption := s.smtp.Encryption
	if msg.SMTPEncryption != "" {
		encryption = msg.SMTPEncryption
	}

	d := gomail.NewDialer(host, port, user, password)
	d.SSL = encryption == "ssl"

	s.logger.Debugw("attempting delivery", "host", host, "port", port, "recipients", len(msg.To)+len(msg.CCList)+len(msg.BCCList))
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}

func formatRecipients(m *gomail.Message, list []mail.Recipient) []string {
	addrs := make([]string, 0, len(list))
	for _, r := range list {
		if r.Name != "" {
			addrs = append(addrs, m.FormatAddress(r.Address, r.Name))
		} else {
			addrs = append(addrs, r.Address)
		}
	}
	return addrs
}
