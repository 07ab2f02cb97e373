package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MrEthical07/finauth"
)

// ErrSMSUnavailable is returned for SMS codes when no gateway is configured.
var ErrSMSUnavailable = errors.New("sms delivery not configured")

// SMSSender delivers a text message to the phone on file for an account.
type SMSSender interface {
	SendSMS(ctx context.Context, accountID, body string) error
}

// SMSSenderFunc adapts a function to [SMSSender].
type SMSSenderFunc func(ctx context.Context, accountID, body string) error

func (f SMSSenderFunc) SendSMS(ctx context.Context, accountID, body string) error {
	return f(ctx, accountID, body)
}

// MailerConfig configures SMTP delivery and message content.
type MailerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`

	// AppName prefixes subjects.
	AppName string `yaml:"app_name"`
	// ResetURL and VerifyURL receive the token as their only %s verb.
	ResetURL  string `yaml:"reset_url"`
	VerifyURL string `yaml:"verify_url"`

	// RatePerSecond and Burst bound outgoing messages across all recipients.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// DefaultMailerConfig returns submission-port settings and a 5/s throttle.
func DefaultMailerConfig() MailerConfig {
	return MailerConfig{
		Port:          587,
		AppName:       "finauth",
		RatePerSecond: 5,
		Burst:         10,
	}
}

func (c MailerConfig) validate() error {
	if c.From == "" {
		return errors.New("mailer from address required")
	}
	if c.RatePerSecond <= 0 || c.Burst <= 0 {
		return errors.New("mailer rate and burst must be positive")
	}
	for name, u := range map[string]string{"reset_url": c.ResetURL, "verify_url": c.VerifyURL} {
		if u != "" && strings.Count(u, "%s") != 1 {
			return fmt.Errorf("mailer %s must contain exactly one %%s", name)
		}
	}
	return nil
}

// sender is the part of *mail.Client the mailer uses.
type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mailer implements finauth.Notifier over SMTP.
type Mailer struct {
	cfg     MailerConfig
	client  sender
	sms     SMSSender
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	// serializes use of the SMTP client
	mu sync.Mutex
}

var _ finauth.Notifier = (*Mailer)(nil)

// MailerOption customizes a Mailer.
type MailerOption func(*Mailer)

// WithSMS routes SMS one-time codes through s.
func WithSMS(s SMSSender) MailerOption {
	return func(m *Mailer) { m.sms = s }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) MailerOption {
	return func(m *Mailer) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMailer dials nothing; the SMTP connection is opened per send with
// mandatory TLS and PLAIN auth.
func NewMailer(cfg MailerConfig, opts ...MailerOption) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("mailer host required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("create mail client: %w", err)
	}
	return newMailer(cfg, client, opts...)
}

func newMailer(cfg MailerConfig, client sender, opts ...MailerOption) (*Mailer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.AppName == "" {
		cfg.AppName = "finauth"
	}
	m := &Mailer{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SendOneTimeCode delivers a login code by email or SMS.
func (m *Mailer) SendOneTimeCode(ctx context.Context, account *finauth.Account, channel, code string) error {
	body := fmt.Sprintf("Your %s verification code is %s. It expires in a few minutes. If you did not try to sign in, change your password.", m.cfg.AppName, code)

	switch channel {
	case finauth.ChannelEmail:
		return m.send(ctx, account, "one_time_code", "Your verification code", body)
	case finauth.ChannelSMS:
		if m.sms == nil {
			return ErrSMSUnavailable
		}
		if account == nil || account.ID == "" {
			return errors.New("account required")
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("sms throttled: %w", err)
		}
		if err := m.sms.SendSMS(ctx, account.ID, body); err != nil {
			m.logger.Warn("sms delivery failed",
				zap.String("account_id", account.ID),
				zap.Error(err))
			return fmt.Errorf("send sms: %w", err)
		}
		return nil
	default:
		return finauth.ErrUnsupportedChannel
	}
}

// SendPasswordReset mails the reset link.
func (m *Mailer) SendPasswordReset(ctx context.Context, account *finauth.Account, token string) error {
	body := fmt.Sprintf("A password reset was requested for your %s account.\n\n%s\n\nThe link is valid for one hour and can be used once. If you did not request it, ignore this message.",
		m.cfg.AppName, link(m.cfg.ResetURL, token))
	return m.send(ctx, account, "password_reset", "Reset your password", body)
}

// SendEmailVerification mails the verification link.
func (m *Mailer) SendEmailVerification(ctx context.Context, account *finauth.Account, token string) error {
	body := fmt.Sprintf("Confirm the email address for your %s account.\n\n%s\n\nThe link is valid for 24 hours.",
		m.cfg.AppName, link(m.cfg.VerifyURL, token))
	return m.send(ctx, account, "email_verification", "Verify your email address", body)
}

// NewDeviceLogin alerts the owner about a sign-in from an unrecognized device.
func (m *Mailer) NewDeviceLogin(ctx context.Context, account *finauth.Account, ip, userAgent string) error {
	if ip == "" {
		ip = "unknown"
	}
	if userAgent == "" {
		userAgent = "unknown"
	}
	body := fmt.Sprintf("A new device signed in to your %s account.\n\nTime: %s\nIP address: %s\nDevice: %s\n\nIf this was not you, reset your password and review your trusted devices.",
		m.cfg.AppName, m.now().UTC().Format(time.RFC1123), ip, userAgent)
	return m.send(ctx, account, "new_device_login", "New sign-in to your account", body)
}

func (m *Mailer) send(ctx context.Context, account *finauth.Account, kind, subject, body string) error {
	if account == nil || account.Email == "" {
		return errors.New("account email required")
	}

	msg := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("failed to set From address: %w", err)
	}
	if err := msg.To(account.Email); err != nil {
		return fmt.Errorf("failed to set To address: %w", err)
	}
	msg.Subject(fmt.Sprintf("[%s] %s", m.cfg.AppName, subject))
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail throttled: %w", err)
	}

	m.mu.Lock()
	err := m.client.DialAndSendWithContext(ctx, msg)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("mail delivery failed",
			zap.String("kind", kind),
			zap.String("account_id", account.ID),
			zap.Error(err))
		return fmt.Errorf("failed to send %s email: %w", kind, err)
	}

	m.logger.Debug("mail sent", zap.String("kind", kind), zap.String("account_id", account.ID))
	return nil
}

func link(format, token string) string {
	if format == "" {
		return "Token: " + token
	}
	return fmt.Sprintf(format, token)
}
