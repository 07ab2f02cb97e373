package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/MrEthical07/finauth"
)

// LogNotifier writes one info line per delivery. Codes and tokens are never
// included.
type LogNotifier struct {
	logger *zap.Logger
}

var _ finauth.Notifier = LogNotifier{}

// NewLogNotifier returns a notifier logging to l, or discarding when l is nil.
func NewLogNotifier(l *zap.Logger) LogNotifier {
	if l == nil {
		l = zap.NewNop()
	}
	return LogNotifier{logger: l.Named("notify")}
}

func (n LogNotifier) SendOneTimeCode(_ context.Context, account *finauth.Account, channel, _ string) error {
	n.logger.Info("one-time code issued", accountField(account), zap.String("channel", channel))
	return nil
}

func (n LogNotifier) SendPasswordReset(_ context.Context, account *finauth.Account, _ string) error {
	n.logger.Info("password reset issued", accountField(account))
	return nil
}

func (n LogNotifier) SendEmailVerification(_ context.Context, account *finauth.Account, _ string) error {
	n.logger.Info("email verification issued", accountField(account))
	return nil
}

func (n LogNotifier) NewDeviceLogin(_ context.Context, account *finauth.Account, ip, userAgent string) error {
	n.logger.Info("new device login",
		accountField(account),
		zap.String("ip", ip),
		zap.String("user_agent", userAgent))
	return nil
}

func accountField(account *finauth.Account) zap.Field {
	if account == nil {
		return zap.Skip()
	}
	return zap.String("account_id", account.ID)
}
