// Package alerts implements the alert mailer: a Broker subscriber that
// sends an operator email whenever the Healer emits a critical or
// replacement-outcome event.
package alerts

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/events"
	"github.com/fleetctl/deployctl/pkg/types"
)

// subjectPrefix tags every alert mail.
const subjectPrefix = "[Health Monitor]"

// alertedTypes is the set of events worth mailing an operator about;
// every other event type the Broker carries (deployments, scale
// actions, lock transitions) is routine and silently dropped here.
var alertedTypes = map[types.EventType]bool{
	types.EventCriticalAlert:        true,
	types.EventReplacementSucceeded: true,
	types.EventReplacementFailed:    true,
}

// Mailer sends a single alert email. Satisfied by *SMTPMailer; tests
// substitute a fake.
type Mailer interface {
	Send(subject, body string) error
}

// SMTPMailer sends mail through an SMTP relay using PLAIN auth, the
// same app-password mechanism health_monitor.py's send_alert uses
// against Gmail.
type SMTPMailer struct {
	Host     string
	Port     string
	From     string
	Password string
	To       []string
}

// Send delivers subject/body to every configured recipient.
func (m *SMTPMailer) Send(subject, body string) error {
	if len(m.To) == 0 {
		return fmt.Errorf("alerts: no recipients configured")
	}
	auth := smtp.PlainAuth("", m.From, m.Password, m.Host)
	addr := fmt.Sprintf("%s:%s", m.Host, m.Port)
	return smtp.SendMail(addr, auth, m.From, m.To, buildMessage(m.From, m.To, subject, body))
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n\r\n", subject)
	b.WriteString(body)
	return []byte(b.String())
}

// Subscriber drains the Broker's event stream and mails an alert for
// every event type in alertedTypes.
type Subscriber struct {
	mailer Mailer
	log    zerolog.Logger
}

// New builds a Subscriber that sends through mailer.
func New(mailer Mailer, log zerolog.Logger) *Subscriber {
	return &Subscriber{mailer: mailer, log: log.With().Str("component", "alerts").Logger()}
}

// Run consumes sub until it closes or ctx is done.
func (s *Subscriber) Run(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			s.handle(event)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) handle(event *types.Event) {
	if !alertedTypes[event.Type] {
		return
	}
	subject := fmt.Sprintf("%s %s", subjectPrefix, event.Type)
	if err := s.mailer.Send(subject, event.Message); err != nil {
		s.log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("failed to send alert email")
	}
}
