package dispatch

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/netmapper/fabric/internal/domain/model"
)

// EmailConfig points at the operator's SMTP relay. An empty host disables
// the channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailAdapter delivers over the configured SMTP relay.
type EmailAdapter struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var _ Adapter = (*EmailAdapter)(nil)

func NewEmailAdapter(cfg EmailConfig) *EmailAdapter {
	return &EmailAdapter{cfg: cfg, send: smtp.SendMail}
}

func (a *EmailAdapter) Channel() model.Channel { return model.ChannelEmail }

func (a *EmailAdapter) Send(ctx context.Context, to Recipient, ev *model.NotificationEvent) error {
	if a.cfg.Host == "" {
		return fmt.Errorf("email channel not configured")
	}
	if to.Email == "" {
		return fmt.Errorf("recipient has no email address")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", a.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to.Email)
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(ev.Priority)), ev.Title)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(ev.Message)
	if ev.DeviceIP != "" {
		fmt.Fprintf(&b, "\r\n\r\nDevice: %s (%s)", ev.DeviceName, ev.DeviceIP)
	}
	fmt.Fprintf(&b, "\r\n\r\nEvent: %s at %s\r\n", ev.Type, ev.Timestamp.Format("2006-01-02 15:04:05 MST"))

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	return a.send(addr, auth, a.cfg.From, []string{to.Email}, []byte(b.String()))
}
