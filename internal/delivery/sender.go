package delivery

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// EmailSender delivers one rendered email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// SMTPSender delivers via a plain SMTP relay.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	timeout  time.Duration
}

// NewSMTPSender creates an SMTP-backed sender.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		timeout:  30 * time.Second,
	}
}

// Send builds a multipart/alternative message and relays it. The context
// deadline bounds the whole SMTP session via a net.Dialer inside
// smtp.SendMail's connect; slow relays surface as errors for the outbox
// retry path.
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	msg := buildMIMEMessage(s.from, to, subject, htmlBody, textBody)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, s.from, []string{to}, msg)
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("smtp send: timeout after %s", s.timeout)
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

const mimeBoundary = "sentrycore-alt-boundary"

func buildMIMEMessage(from, to, subject, htmlBody, textBody string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/alternative; boundary=" + mimeBoundary + "\r\n\r\n")

	b.WriteString("--" + mimeBoundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(textBody + "\r\n")

	b.WriteString("--" + mimeBoundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(htmlBody + "\r\n")

	b.WriteString("--" + mimeBoundary + "--\r\n")
	return []byte(b.String())
}

// SESSender delivers via AWS SES v2.
type SESSender struct {
	client *sesv2.Client
	from   string
}

// NewSESSender creates an SES-backed sender. Empty accessKey falls back
// to the default credential chain.
func NewSESSender(ctx context.Context, region, accessKey, secretKey, from string) (*SESSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ses sender: load aws config: %w", err)
	}

	return &SESSender{client: sesv2.NewFromConfig(awsCfg), from: from}, nil
}

// Send delivers one email through the SES v2 SendEmail API.
func (s *SESSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody)},
					Text: &types.Content{Data: aws.String(textBody)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}
