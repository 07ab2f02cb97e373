package finauth

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/finauth/device"
	"go.uber.org/zap"
)

// EvaluateDevice decides whether fingerprint belongs to a device the account
// can be trusted from. It never fails: an exact match against an active
// trusted device wins outright, otherwise the anomaly model decides, and
// any parse or model failure yields an untrusted decision.
func (e *Engine) EvaluateDevice(ctx context.Context, accountID string, fingerprint []byte, ip string) DeviceDecision {
	if len(fingerprint) == 0 {
		e.metricInc(MetricDeviceUntrusted)
		return DeviceDecision{Reason: DeviceReasonNoFingerprint}
	}
	hash := device.Hash(e.config.Token.DeviceHashSalt, fingerprint)

	known, err := e.store.FindTrustedDevice(ctx, accountID, hash)
	switch {
	case err == nil && known.Active:
		e.touchDevice(ctx, accountID, hash, ip, fingerprint)
		e.metricInc(MetricDeviceTrusted)
		return DeviceDecision{Trusted: true, Reason: DeviceReasonKnown, Margin: 1, DeviceHash: hash}
	case err != nil && !errors.Is(err, ErrNotFound):
		// The model still gets a say; a store outage must not block login.
		e.logger.Warn("trusted device lookup failed", zap.String("account_id", accountID), zap.Error(err))
	}

	assessment, err := e.evaluator.Assess(fingerprint)
	if err != nil {
		return e.evaluationFailed(ctx, accountID, hash, err)
	}

	decision := DeviceDecision{
		Trusted:    assessment.Trusted,
		Margin:     assessment.Margin,
		DeviceHash: hash,
	}
	switch {
	case assessment.Trusted:
		decision.Reason = DeviceReasonModelTrusted
		e.metricInc(MetricDeviceTrusted)
		return decision
	case assessment.IsAnomaly:
		decision.Reason = DeviceReasonAnomaly
	default:
		decision.Reason = DeviceReasonLowConfidence
	}

	e.metricInc(MetricDeviceUntrusted)
	e.emitEvent(ctx, eventDeviceUntrusted, false, accountID, nil, func() map[string]string {
		return map[string]string{
			"device_hash": hash,
			"reason":      decision.Reason,
			"margin":      strconv.FormatFloat(decision.Margin, 'f', 4, 64),
		}
	})
	return decision
}

func (e *Engine) evaluationFailed(ctx context.Context, accountID, hash string, err error) DeviceDecision {
	decision := DeviceDecision{Reason: DeviceReasonEvaluationFailed, DeviceHash: hash}
	severity := SeverityMedium
	cause := "model_unavailable"

	if errors.Is(err, device.ErrFingerprint) {
		cause = "invalid_fingerprint"
	} else {
		decision.ModelUnavailable = true
		if e.config.Device.FailOpenOnModelUnavailable {
			severity = SeverityHigh
		}
		e.logger.Warn("device model unavailable", zap.String("account_id", accountID), zap.Error(err))
	}

	e.metricInc(MetricDeviceEvaluationFailed)
	e.emitEventWithSeverity(ctx, eventDeviceEvaluationFailed, severity, false, accountID, nil, func() map[string]string {
		return map[string]string{"device_hash": hash, "cause": cause}
	})
	return decision
}

func (e *Engine) touchDevice(ctx context.Context, accountID, hash, ip string, fingerprint []byte) {
	if err := e.store.TouchTrustedDevice(ctx, accountID, hash, ip, e.now().UTC()); err != nil {
		e.logger.Debug("trusted device touch failed", zap.String("account_id", accountID), zap.Error(err))
	}

	if !e.config.Device.LearnFromTrusted || e.evaluator == nil || e.evaluator.Normalizer == nil {
		return
	}
	if x, err := device.Extract(fingerprint); err == nil {
		_ = e.evaluator.Normalizer.Observe(x)
	}
}

// TrustDevice marks fingerprint as a trusted device of the account and
// returns its hash. Later logins from it skip the anomaly model.
func (e *Engine) TrustDevice(ctx context.Context, accountID string, fingerprint []byte) (string, error) {
	if e == nil || e.store == nil {
		return "", ErrEngineNotReady
	}
	if len(fingerprint) == 0 {
		return "", device.ErrFingerprint
	}
	if _, err := e.loadAccount(ctx, accountID); err != nil {
		return "", err
	}

	hash := device.Hash(e.config.Token.DeviceHashSalt, fingerprint)
	now := e.now().UTC()
	if err := e.store.UpsertTrustedDevice(ctx, &TrustedDevice{
		AccountID:       accountID,
		FingerprintHash: hash,
		Active:          true,
		LastSeenAt:      now,
		LastIP:          ClientIPFromContext(ctx),
		CreatedAt:       now,
	}); err != nil {
		return "", e.storeFailure("upsert trusted device", err)
	}

	e.emitEvent(ctx, eventDeviceTrustAdded, true, accountID, nil, func() map[string]string {
		return map[string]string{"device_hash": hash}
	})
	return hash, nil
}

// DistrustDevice deactivates a trusted device by hash.
func (e *Engine) DistrustDevice(ctx context.Context, accountID, deviceHash string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if err := e.store.DeactivateTrustedDevice(ctx, accountID, deviceHash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return e.storeFailure("deactivate trusted device", err)
	}

	e.emitEvent(ctx, eventDeviceTrustRemoved, true, accountID, nil, func() map[string]string {
		return map[string]string{"device_hash": deviceHash}
	})
	return nil
}
