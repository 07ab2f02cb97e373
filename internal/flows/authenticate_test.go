package flows

import (
	"context"
	"errors"
	"testing"
)

var (
	errNotReady   = errors.New("not ready")
	errInvalid    = errors.New("invalid credentials")
	errLimited    = errors.New("rate limited")
	errInactive   = errors.New("inactive")
	errBadCode    = errors.New("bad code")
	errBlocked    = errors.New("blocked")
	errNotFound   = errors.New("not found")
	errStoreBoom  = errors.New("boom")
	errStoreFault = errors.New("store failure")
)

type recorder struct {
	events   []string
	metrics  []int
	verified []string
}

func baseDeps(rec *recorder, account *AuthAccount) AuthenticateDeps {
	return AuthenticateDeps{
		DummyHash:     "dummy",
		RehashOnLogin: true,
		LookupAccount: func(_ context.Context, email string) (*AuthAccount, error) {
			if account == nil || email != "ada@example.com" {
				return nil, errNotFound
			}
			return account, nil
		},
		IsNotFound: func(err error) bool { return errors.Is(err, errNotFound) },
		VerifyPassword: func(plain, hash string) bool {
			rec.verified = append(rec.verified, hash)
			return hash == "hash:"+plain
		},
		EvaluateDevice: func(context.Context, string, []byte, string) DeviceVerdict {
			return DeviceVerdict{Trusted: true, Known: true, Reason: "known_device"}
		},
		VerifySecondFactor: func(_ context.Context, _ string, code string) (string, error) {
			if code == "123456" {
				return "totp", nil
			}
			return "", errBadCode
		},
		CreateChallenge: func(context.Context, string, []byte, string) (string, error) {
			return "challenge", nil
		},
		MetricInc: func(id int) { rec.metrics = append(rec.metrics, id) },
		EmitEvent: func(_ context.Context, eventType string, _ bool, _ string, _ error, _ func() map[string]string) {
			rec.events = append(rec.events, eventType)
		},
		Metrics: AuthenticateMetrics{LoginFailure: 1, LoginRateLimited: 2, MfaRequired: 3, MfaFailure: 4, DeviceBlocked: 5, PasswordRehashed: 6},
		Events: AuthenticateEvents{
			LoginFailure:     "login_failure",
			LoginRateLimited: "login_rate_limited",
			MfaRequired:      "mfa_required",
			MfaFailure:       "mfa_failure",
			DeviceBlocked:    "login_blocked_untrusted_device",
		},
		Errors: AuthenticateErrors{
			EngineNotReady:         errNotReady,
			InvalidCredentials:     errInvalid,
			RateLimited:            errLimited,
			AccountInactive:        errInactive,
			InvalidMfaCode:         errBadCode,
			UntrustedDeviceBlocked: errBlocked,
			StoreFailure:           func(string, error) error { return errStoreFault },
		},
	}
}

func activeAccount() *AuthAccount {
	return &AuthAccount{ID: "acct-1", PasswordHash: "hash:s3cret-password", Active: true}
}

func TestRunAuthenticateSuccess(t *testing.T) {
	rec := &recorder{}
	out, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: " Ada@Example.com ", Password: "s3cret-password"}, baseDeps(rec, activeAccount()))
	if err != nil {
		t.Fatalf("RunAuthenticate failed: %v", err)
	}
	if out.AccountID != "acct-1" || out.MfaRequired {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(rec.events) != 0 {
		t.Fatalf("no failure events expected, got %v", rec.events)
	}
}

func TestRunAuthenticateUnknownAccountUsesDummyHash(t *testing.T) {
	rec := &recorder{}
	_, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: "nobody@example.com", Password: "whatever-pass"}, baseDeps(rec, activeAccount()))
	if !errors.Is(err, errInvalid) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if len(rec.verified) != 1 || rec.verified[0] != "dummy" {
		t.Fatalf("expected dummy hash verification, got %v", rec.verified)
	}
}

func TestRunAuthenticateWrongPasswordAndInactive(t *testing.T) {
	rec := &recorder{}
	_, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "nope-nope-nope"}, baseDeps(rec, activeAccount()))
	if !errors.Is(err, errInvalid) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}

	inactive := activeAccount()
	inactive.Active = false
	_, err = RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "nope-nope-nope"}, baseDeps(rec, inactive))
	if !errors.Is(err, errInvalid) {
		t.Fatalf("inactive account with wrong password must look like bad credentials, got %v", err)
	}
	_, err = RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password"}, baseDeps(rec, inactive))
	if !errors.Is(err, errInactive) {
		t.Fatalf("expected account inactive, got %v", err)
	}
}

func TestRunAuthenticateRateLimited(t *testing.T) {
	rec := &recorder{}
	deps := baseDeps(rec, activeAccount())
	deps.CheckRate = func(context.Context, string, string) (bool, error) { return true, nil }
	deps.LookupAccount = func(context.Context, string) (*AuthAccount, error) {
		t.Fatal("account must not be loaded when rate limited")
		return nil, nil
	}

	_, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password"}, deps)
	if !errors.Is(err, errLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if len(rec.events) != 1 || rec.events[0] != "login_rate_limited" {
		t.Fatalf("expected rate limit event, got %v", rec.events)
	}
}

func TestRunAuthenticateStoreFailure(t *testing.T) {
	rec := &recorder{}
	deps := baseDeps(rec, activeAccount())
	deps.LookupAccount = func(context.Context, string) (*AuthAccount, error) { return nil, errStoreBoom }

	_, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password"}, deps)
	if !errors.Is(err, errStoreFault) {
		t.Fatalf("expected store failure, got %v", err)
	}
}

func TestRunAuthenticateDeviceEnforcement(t *testing.T) {
	enforced := activeAccount()
	enforced.EnforceDeviceTrust = true

	untrusted := func(modelDown bool) func(context.Context, string, []byte, string) DeviceVerdict {
		return func(context.Context, string, []byte, string) DeviceVerdict {
			return DeviceVerdict{Trusted: false, ModelUnavailable: modelDown, Reason: "anomaly"}
		}
	}

	rec := &recorder{}
	deps := baseDeps(rec, enforced)
	deps.EvaluateDevice = untrusted(false)
	_, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password", Fingerprint: []byte(`{}`)}, deps)
	if !errors.Is(err, errBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}

	deps.EvaluateDevice = untrusted(true)
	_, err = RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password"}, deps)
	if !errors.Is(err, errBlocked) {
		t.Fatalf("model outage must still block by default, got %v", err)
	}

	deps.FailOpenOnModelUnavailable = true
	out, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password"}, deps)
	if err != nil || out == nil {
		t.Fatalf("fail-open must allow login during model outage: %v", err)
	}

	relaxed := activeAccount()
	deps = baseDeps(rec, relaxed)
	deps.NotifyNewDevice = true
	deps.EvaluateDevice = untrusted(false)
	out, err = RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password", Fingerprint: []byte(`{}`)}, deps)
	if err != nil {
		t.Fatalf("unenforced account must proceed: %v", err)
	}
	if !out.NotifyNewDevice {
		t.Fatal("expected new device notification for untrusted device")
	}
}

func TestRunAuthenticateMfa(t *testing.T) {
	account := activeAccount()
	account.MFAEnabled = true

	rec := &recorder{}
	out, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password"}, baseDeps(rec, account))
	if err != nil {
		t.Fatalf("RunAuthenticate failed: %v", err)
	}
	if !out.MfaRequired || out.ChallengeToken != "challenge" {
		t.Fatalf("expected MFA challenge, got %+v", out)
	}

	out, err = RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password", MfaCode: "123456"}, baseDeps(rec, account))
	if err != nil || out.MfaRequired || out.SecondFactor != "totp" {
		t.Fatalf("expected one-call MFA login, got %+v err=%v", out, err)
	}

	_, err = RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password", MfaCode: "000000"}, baseDeps(rec, account))
	if !errors.Is(err, errBadCode) {
		t.Fatalf("expected invalid MFA code, got %v", err)
	}
}

func TestRunAuthenticateMfaBeforeDeviceTrust(t *testing.T) {
	account := activeAccount()
	account.MFAEnabled = true
	account.EnforceDeviceTrust = true
	fingerprint := []byte(`{"ua":"odd"}`)

	rec := &recorder{}
	deps := baseDeps(rec, account)
	evaluated := 0
	deps.EvaluateDevice = func(context.Context, string, []byte, string) DeviceVerdict {
		evaluated++
		return DeviceVerdict{Trusted: false, Reason: "anomaly"}
	}
	var carried []byte
	deps.CreateChallenge = func(_ context.Context, _ string, fp []byte, _ string) (string, error) {
		carried = fp
		return "challenge", nil
	}

	out, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password", Fingerprint: fingerprint}, deps)
	if err != nil {
		t.Fatalf("password step must yield a challenge, got %v", err)
	}
	if !out.MfaRequired || evaluated != 0 {
		t.Fatalf("expected challenge before device evaluation: out=%+v evaluated=%d", out, evaluated)
	}
	if string(carried) != string(fingerprint) {
		t.Fatalf("challenge must carry the fingerprint, got %q", carried)
	}

	_, err = RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password", MfaCode: "000000", Fingerprint: fingerprint}, deps)
	if !errors.Is(err, errBadCode) || evaluated != 0 {
		t.Fatalf("wrong code must fail before device evaluation: err=%v evaluated=%d", err, evaluated)
	}

	_, err = RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password", MfaCode: "123456", Fingerprint: fingerprint}, deps)
	if !errors.Is(err, errBlocked) || evaluated != 1 {
		t.Fatalf("untrusted device must be blocked after MFA: err=%v evaluated=%d", err, evaluated)
	}
}

func TestCheckDevice(t *testing.T) {
	rec := &recorder{}
	deps := baseDeps(rec, activeAccount())
	deps.NotifyNewDevice = true
	deps.EvaluateDevice = func(context.Context, string, []byte, string) DeviceVerdict {
		return DeviceVerdict{Trusted: false, Reason: "anomaly", Hash: "h1"}
	}

	verdict, notify, err := CheckDevice(context.Background(), deps, "acct-1", false, []byte(`{}`), "")
	if err != nil || !notify || verdict.Hash != "h1" {
		t.Fatalf("unenforced account must pass with notification: verdict=%+v notify=%v err=%v", verdict, notify, err)
	}

	_, _, err = CheckDevice(context.Background(), deps, "acct-1", true, []byte(`{}`), "")
	if !errors.Is(err, errBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if rec.events[len(rec.events)-1] != "login_blocked_untrusted_device" {
		t.Fatalf("expected block event, got %v", rec.events)
	}
}

func TestRunAuthenticateRehash(t *testing.T) {
	rec := &recorder{}
	deps := baseDeps(rec, activeAccount())
	deps.NeedsRehash = func(string) bool { return true }
	var rehashed string
	deps.Rehash = func(_ context.Context, id, _ string) error {
		rehashed = id
		return nil
	}

	if _, err := RunAuthenticate(context.Background(), AuthenticateInput{Email: "ada@example.com", Password: "s3cret-password"}, deps); err != nil {
		t.Fatalf("RunAuthenticate failed: %v", err)
	}
	if rehashed != "acct-1" {
		t.Fatal("expected rehash on login")
	}
}

func TestRunAuthenticateNotReady(t *testing.T) {
	_, err := RunAuthenticate(context.Background(), AuthenticateInput{}, AuthenticateDeps{Errors: AuthenticateErrors{EngineNotReady: errNotReady}})
	if !errors.Is(err, errNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
}
