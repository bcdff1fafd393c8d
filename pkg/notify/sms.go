package notify

import (
	"context"
	"log/slog"
)

// Caller sends an SMS to a phone number. Implementations include a real
// carrier gateway or, absent one, NoopCaller, since no SMS carrier SDK is
// available here.
type Caller interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// NoopCaller logs the SMS it would have sent without dialing out.
type NoopCaller struct {
	Logger *slog.Logger
}

// SendSMS implements Caller.
func (n *NoopCaller) SendSMS(ctx context.Context, phone, message string) error {
	n.Logger.Info("noop sms callout", "phone", MaskPhone(phone))
	return nil
}

// SMSChannel adapts a Caller to the Channel interface.
type SMSChannel struct {
	caller Caller
}

// NewSMSChannel creates an SMSChannel backed by caller.
func NewSMSChannel(caller Caller) *SMSChannel {
	return &SMSChannel{caller: caller}
}

// Name implements Channel.
func (s *SMSChannel) Name() string { return "sms" }

// Send implements Channel.
func (s *SMSChannel) Send(ctx context.Context, recipient, renderedMessage string) error {
	return s.caller.SendSMS(ctx, recipient, renderedMessage)
}
