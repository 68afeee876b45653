package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender delivers rendered messages over plain SMTP. It is used by the
// worker, not by the request path.
type SMTPSender struct {
	addr string
	from string
}

// NewSMTPSender constructs a sender for the given host:port.
func NewSMTPSender(host string, port int, from string) *SMTPSender {
	return &SMTPSender{addr: fmt.Sprintf("%s:%d", host, port), from: from}
}

// Send renders and delivers the message.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	subject, body, err := render(msg)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)

	if err := smtp.SendMail(s.addr, nil, s.from, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("mail: smtp send: %w", err)
	}
	return nil
}

func render(msg Message) (subject, body string, err error) {
	name := msg.Params["name"]
	link := msg.Params["link"]
	switch msg.Kind {
	case KindVerification:
		return "Verify your email address",
			fmt.Sprintf("Hi %s,\n\nConfirm your email address to activate your library account:\n\n%s\n\nThe link expires in one hour.\n", name, link),
			nil
	case KindPasswordReset:
		return "Reset your password",
			fmt.Sprintf("Hi %s,\n\nWe received a request to reset your password:\n\n%s\n\nIf you did not ask for this, ignore this email.\n", name, link),
			nil
	case KindWelcome:
		return "Welcome to the library",
			fmt.Sprintf("Hi %s,\n\nYour account is ready. Happy reading!\n", name),
			nil
	default:
		return "", "", fmt.Errorf("mail: unknown kind %q", msg.Kind)
	}
}

var _ Mailer = (*SMTPSender)(nil)
