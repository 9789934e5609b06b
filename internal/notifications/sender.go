// Package notifications delivers customer-facing emails for order lifecycle changes.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// TemplateKind selects the message body for a notification.
type TemplateKind string

const (
	TemplateOrderConfirmed  TemplateKind = "order_confirmed"
	TemplateOrderShipped    TemplateKind = "order_shipped"
	TemplateOrderCancelled  TemplateKind = "order_cancelled"
	TemplateReturnApproved  TemplateKind = "return_approved"
	TemplateRefundProcessed TemplateKind = "refund_processed"
)

// Message carries everything a sender needs to deliver one notification.
type Message struct {
	OrderID     string
	OrderNumber string
	Recipient   string
	Template    TemplateKind
	Data        map[string]string
}

// Notifier delivers a message. Implementations must not block indefinitely.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

var subjects = map[TemplateKind]string{
	TemplateOrderConfirmed:  "Your order %s is confirmed",
	TemplateOrderShipped:    "Your order %s has shipped",
	TemplateOrderCancelled:  "Your order %s was cancelled",
	TemplateReturnApproved:  "Return approved for order %s",
	TemplateRefundProcessed: "Refund processed for order %s",
}

// SMTPSender delivers notifications over plain SMTP with optional auth.
type SMTPSender struct {
	addr string
	auth smtp.Auth
	from string
}

// NewSMTPSender configures a sender against host:port. Username may be empty
// for unauthenticated relays.
func NewSMTPSender(host string, port int, username, password, from string) (*SMTPSender, error) {
	if strings.TrimSpace(host) == "" {
		return nil, errors.New("notifications: smtp host is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("notifications: from address is required")
	}
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr: fmt.Sprintf("%s:%d", host, port),
		auth: auth,
		from: from,
	}, nil
}

// Send implements Notifier.
func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	recipient := strings.TrimSpace(msg.Recipient)
	if recipient == "" {
		return errors.New("notifications: recipient is required")
	}
	subjectFmt, ok := subjects[msg.Template]
	if !ok {
		return fmt.Errorf("notifications: unknown template %q", msg.Template)
	}
	subject := fmt.Sprintf(subjectFmt, msg.OrderNumber)

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", s.from)
	fmt.Fprintf(&body, "To: %s\r\n", recipient)
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&body, "Order %s\r\n\r\n", msg.OrderNumber)
	for key, value := range msg.Data {
		fmt.Fprintf(&body, "%s: %s\r\n", key, value)
	}

	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{recipient}, []byte(body.String())); err != nil {
		return fmt.Errorf("notifications: send mail: %w", err)
	}
	return nil
}

// LogSender writes notifications to the log instead of delivering them. Used
// when no SMTP host is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender builds a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements Notifier.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("notification",
		zap.String("template", string(msg.Template)),
		zap.String("order_id", msg.OrderID),
		zap.String("order_number", msg.OrderNumber),
		zap.String("recipient", msg.Recipient),
	)
	return nil
}
