// Package notification delivers e-mail to borrowers.
package notification

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// Message is a rendered e-mail.
type Message struct {
	To       string `json:"to"`
	ToName   string `json:"to_name,omitempty"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body,omitempty"`
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("message has no recipient")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return errors.New("message has no subject")
	}
	return nil
}

// Sender delivers a message or reports why it could not.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.Named("mail")}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.logger.Info("mail not delivered, log driver active",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject))
	return nil
}
