package notification

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"

	"github.com/tendant/keyclaim/pkg/domain"
	"github.com/tendant/keyclaim/pkg/redeem"
)

type EmailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
	To       []string
}

// EmailService mails a summary of every pass that revealed keys. It is a
// redeem.Sink; mail is sent in the background so passes never wait on SMTP.
type EmailService struct {
	config EmailConfig
	logger *slog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	wg     sync.WaitGroup
}

func NewEmailService(config EmailConfig, logger *slog.Logger) *EmailService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailService{config: config, logger: logger, send: smtp.SendMail}
}

func (s *EmailService) Classified(context.Context, string, domain.Classification) {}

func (s *EmailService) Revealed(context.Context, string, domain.RedemptionOutcome) {}

// PassCompleted mails the keys revealed by the pass, if any. Keys revealed
// in earlier passes are not mailed again.
func (s *EmailService) PassCompleted(ctx context.Context, account string, r redeem.PassResult) {
	var revealed []domain.RedemptionOutcome
	for _, o := range r.Outcomes {
		if o.NewlyRevealed() {
			revealed = append(revealed, o)
		}
	}
	if len(revealed) == 0 {
		return
	}

	subject := fmt.Sprintf("keyclaim: %d key(s) revealed for %s", len(revealed), account)
	body := summaryBody(account, r.ID, revealed)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sendEmail(subject, body); err != nil {
			s.logger.Warn("failed to send pass summary", "account", account, "pass_id", r.ID, "error", err)
			return
		}
		s.logger.Info("pass summary sent", "account", account, "pass_id", r.ID, "keys", len(revealed))
	}()
}

// Wait blocks until queued summaries are sent.
func (s *EmailService) Wait() {
	s.wg.Wait()
}

func summaryBody(account, passID string, revealed []domain.RedemptionOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><body>\n<h2>Keys revealed for %s</h2>\n<ul>\n", html.EscapeString(account))
	for _, o := range revealed {
		name := html.EscapeString(o.Record.DisplayName)
		switch {
		case o.Withheld:
			fmt.Fprintf(&b, "<li>%s: withheld</li>\n", name)
		case o.AsGift:
			fmt.Fprintf(&b, "<li>%s: gift link <a href=\"%s\">%s</a></li>\n", name,
				html.EscapeString(o.Record.RevealedValue), html.EscapeString(o.Record.RevealedValue))
		default:
			fmt.Fprintf(&b, "<li>%s: <code>%s</code></li>\n", name, html.EscapeString(o.Record.RevealedValue))
		}
	}
	fmt.Fprintf(&b, "</ul>\n<p>Pass %s</p>\n</body></html>", html.EscapeString(passID))
	return b.String()
}

func (s *EmailService) sendEmail(subject, body string) error {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	to := strings.Join(s.config.To, ", ")

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body)

	var auth smtp.Auth
	if s.config.User != "" {
		auth = smtp.PlainAuth("", s.config.User, s.config.Password, s.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	return s.send(addr, auth, s.config.From, s.config.To, []byte(msg))
}
