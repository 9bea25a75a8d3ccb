// Package notify emails report summaries through SendGrid.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender is satisfied by *sendgrid.Client.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Mailer struct {
	sender      Sender
	fromName    string
	fromAddress string
}

func NewMailer(apiKey, fromName, fromAddress string) (*Mailer, error) {
	if apiKey == "" {
		return nil, errors.New("missing SendGrid API key")
	}

	return NewMailerWithSender(sendgrid.NewSendClient(apiKey), fromName, fromAddress)
}

func NewMailerWithSender(sender Sender, fromName, fromAddress string) (*Mailer, error) {
	if fromAddress == "" {
		return nil, errors.New("missing sender address")
	}

	return &Mailer{sender: sender, fromName: fromName, fromAddress: fromAddress}, nil
}

// Send mails the same plain-text body to every recipient.
func (m *Mailer) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return errors.New("no recipients")
	}

	from := mail.NewEmail(m.fromName, m.fromAddress)
	personalization := mail.NewPersonalization()
	for _, address := range to {
		personalization.AddTos(mail.NewEmail("", address))
	}

	email := mail.NewV3Mail()
	email.SetFrom(from)
	email.Subject = subject
	email.AddPersonalizations(personalization)
	email.AddContent(mail.NewContent("text/plain", body))

	response, err := m.sender.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d: %s", response.StatusCode, response.Body)
	}

	log.Printf("Email sent to %s (status: %d)", strings.Join(to, ", "), response.StatusCode)
	return nil
}
