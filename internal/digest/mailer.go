package digest

import (
	"context"
	"log"
	"sync"
)

// Mailer delivers a rendered digest to one address.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer writes outgoing mail to the log instead of sending it.
// Deployments without an SMTP relay run with this.
type LogMailer struct {
	log *log.Logger
}

func NewLogMailer(logger *log.Logger) *LogMailer {
	return &LogMailer{log: logger}
}

func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.log.Printf("mail to=%q subject=%q\n%s", to, subject, body)
	return nil
}

// RecordingMailer captures sends for tests.
type RecordingMailer struct {
	mu    sync.Mutex
	Sends []RecordedMail
}

type RecordedMail struct {
	To      string
	Subject string
	Body    string
}

func (m *RecordingMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sends = append(m.Sends, RecordedMail{To: to, Subject: subject, Body: body})
	return nil
}
