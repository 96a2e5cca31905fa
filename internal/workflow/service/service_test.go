package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	authdomain "iam-workflow/backend/internal/authstate/domain"
	federationdomain "iam-workflow/backend/internal/federation/domain"
	membershipdomain "iam-workflow/backend/internal/membership/domain"
	policydomain "iam-workflow/backend/internal/policy/domain"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
	"iam-workflow/backend/internal/workflow/domain"
)

const password = "Correct-Horse7"

func TestStart_RefusalCreatesNoRows(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
	res, err := e.svc.Start(context.Background(), StartRequest{Email: "nobody@example.com"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Code != domain.CodeRegistrationNotAllowed || res.SessionToken != "" {
		t.Errorf("res = %+v", res)
	}
	if n := e.steps.count(); n != 0 {
		t.Errorf("%d sessions persisted, want 0", n)
	}
	if len(e.users.users) != 0 {
		t.Errorf("refusal must not create users")
	}
	if len(e.audit.actions) != 1 || e.audit.actions[0] != "start code=registration_not_allowed" {
		t.Errorf("audit = %v", e.audit.actions)
	}
}

func TestStart_InvalidRequests(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
	for _, req := range []StartRequest{
		{Email: ""},
		{Email: "not-an-address"},
		{Email: "Alice <alice@example.com>"},
		{Email: "a@example.com", PreAuthToken: "p", DeviceCodeID: "d"},
	} {
		res, err := e.svc.Start(context.Background(), req)
		if err != nil || res.Code != domain.CodeInvalidRequest {
			t.Errorf("Start(%+v) = %q, %v; want invalid_request", req, res.Code, err)
		}
	}
	res, _ := e.svc.Start(context.Background(), StartRequest{Email: "a@example.com", PreAuthToken: "missing"})
	if res.Code != domain.CodeInvalidPreAuth {
		t.Errorf("unknown pre-auth: %q", res.Code)
	}
}

func TestPasswordLogin_Portal(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: " Alice@Example.com ", ReturnToURI: "https://portal.example/apps"}))
	if start.NextStep != domain.StepEnterPassword || start.SessionToken == "" {
		t.Fatalf("start = %+v", start)
	}
	bad, err := e.svc.EnterPassword(ctx, start.SessionToken, "wrong")
	if err != nil || bad.Code != domain.CodeInvalidCredentials || bad.Code.Category() != domain.CategoryCredential {
		t.Fatalf("wrong password: %+v %v", bad, err)
	}
	res := mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))
	if !res.Completed || res.Token != "portal:u1:t1" || res.RedirectURI != "https://portal.example/apps" {
		t.Errorf("completion = %+v", res)
	}
	if e.steps.count() != 0 {
		t.Error("rows must be deleted after completion")
	}
	ev := e.events.next(t)
	if ev.Type != "login_succeeded" || ev.UserID != u.ID || ev.TenantID != "t1" || ev.CorrelationID != start.SessionToken {
		t.Errorf("event = %+v", ev)
	}
	if len(e.users.attempts[u.ID]) != 0 {
		t.Error("success must clear failed attempts")
	}
}

func TestEnterPassword_DuressRewritesEventBeforeContinuing(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.TermsRequired = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	e.setDuress(t, u.ID, "Duress-Horse88")
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	res := mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, "Duress-Horse88"))
	if res.NextStep != domain.StepAcceptTermsAndConditions {
		t.Fatalf("next = %v", res.NextStep)
	}
	steps, _ := e.steps.GetSteps(ctx, start.SessionToken)
	if i := domain.EventStep(steps); i < 0 || steps[i].Event != domain.EventDuressLogin {
		t.Fatalf("event step not rewritten: %+v", steps)
	}
	if steps[0].Status != domain.StatusComplete {
		t.Error("password step should be complete")
	}

	res = mustOK(t)(e.svc.AcceptTermsAndConditions(ctx, start.SessionToken, true))
	if !res.Completed || res.Token == "" {
		t.Fatalf("duress login must look like a normal login: %+v", res)
	}
	if ev := e.events.next(t); ev.Type != "duress_login" {
		t.Errorf("event = %q, want duress_login", ev.Type)
	}
}

func TestEnterPassword_PauseAfterThreshold(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
	e.resolver.failure = policydomain.FailurePolicy{Type: policydomain.FailurePause, Threshold: 5, MaxFailures: 20, PauseDuration: 10 * time.Minute}
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	for i := 1; i <= 5; i++ {
		res, err := e.svc.EnterPassword(ctx, start.SessionToken, "wrong")
		if err != nil || res.Code != domain.CodeInvalidCredentials {
			t.Fatalf("attempt %d: %+v %v", i, res, err)
		}
	}
	res, err := e.svc.EnterPassword(ctx, start.SessionToken, password)
	if err != nil {
		t.Fatalf("EnterPassword: %v", err)
	}
	if res.Code != domain.CodeAuthenticationPaused || res.Code.Category() != domain.CategoryRateLimit {
		t.Errorf("correct password during pause: %q", res.Code)
	}
	if e.steps.count() != 1 {
		t.Error("paused session must survive")
	}
}

func TestCompletion_UnlocksLockedUser(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.TermsRequired = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))

	locked := e.users.user(u.ID)
	locked.Locked = true
	e.users.users[u.ID] = locked
	e.users.attempts[u.ID] = []userdomain.FailedAttempt{{ID: "f1", UserID: u.ID, FailureCount: 5, NextLoginNotBefore: userdomain.LockedIndefinitely}}

	res := mustOK(t)(e.svc.AcceptTermsAndConditions(ctx, start.SessionToken, true))
	if !res.Completed || res.Token == "" {
		t.Fatalf("res = %+v", res)
	}
	if e.users.user(u.ID).Locked {
		t.Error("completion must unlock the user")
	}
	if len(e.users.attempts[u.ID]) != 0 {
		t.Error("completion must clear failure records")
	}
}

func TestStep_Expiry(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	e.now = e.now.Add(10 * time.Minute)
	res, err := e.svc.EnterPassword(ctx, start.SessionToken, password)
	if err != nil || res.Code != domain.CodeExpired {
		t.Fatalf("expired: %+v %v", res, err)
	}
	if e.steps.count() != 0 {
		t.Error("expired rows must be deleted")
	}
	res, err = e.svc.EnterPassword(ctx, start.SessionToken, password)
	if err != nil || res.Code != domain.CodeInvalidSession {
		t.Errorf("second call: %+v %v", res, err)
	}
}

func TestStep_ExpiryRemovesPlaceholder(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.SelfRegistrationAllowed = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "new@example.com", Registration: true}))
	if len(e.users.users) != 1 {
		t.Fatal("registration should create a placeholder")
	}
	e.now = e.now.Add(time.Hour)
	res, _ := e.svc.Register(ctx, start.SessionToken, RegisterRequest{Password: password})
	if res.Code != domain.CodeExpired {
		t.Fatalf("code = %q", res.Code)
	}
	if len(e.users.users) != 0 {
		t.Error("placeholder must be removed with the expired session")
	}
}

func TestStep_ExpiryKeepsSharedPlaceholder(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.SelfRegistrationAllowed = true
	ctx := context.Background()

	startTwo := func(t *testing.T, e *env) (first, second StepResult, placeholderID string) {
		t.Helper()
		first = mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "new@example.com", Registration: true}))
		e.now = e.now.Add(9 * time.Minute)
		second = mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "new@example.com", Registration: true}))
		a, _ := e.steps.GetSteps(ctx, first.SessionToken)
		b, _ := e.steps.GetSteps(ctx, second.SessionToken)
		if a[0].UserID == "" || a[0].UserID != b[0].UserID {
			t.Fatalf("sessions should share one placeholder: %q %q", a[0].UserID, b[0].UserID)
		}
		e.now = e.now.Add(2 * time.Minute)
		return first, second, a[0].UserID
	}

	t.Run("live session keeps its user", func(t *testing.T) {
		e := newEnv(t, []*tenantdomain.Tenant{tenant})
		first, second, id := startTwo(t, e)
		if res, _ := e.svc.Register(ctx, first.SessionToken, RegisterRequest{Password: password}); res.Code != domain.CodeExpired {
			t.Fatalf("first session: %q", res.Code)
		}
		if e.users.user(id) == nil {
			t.Fatal("placeholder removed while another session references it")
		}
		res := mustOK(t)(e.svc.Register(ctx, second.SessionToken, RegisterRequest{Password: password}))
		if !res.Completed {
			t.Fatalf("res = %+v", res)
		}
		if u := e.users.user(id); u == nil || u.IsPlaceholder() {
			t.Errorf("user = %+v", u)
		}
	})

	t.Run("last session removes it once", func(t *testing.T) {
		e := newEnv(t, []*tenantdomain.Tenant{tenant})
		startTwo(t, e)
		if n, err := e.svc.SweepExpired(ctx, 100); err != nil || n != 1 {
			t.Fatalf("first sweep: %d %v", n, err)
		}
		if len(e.users.users) != 1 {
			t.Fatal("placeholder removed while another session references it")
		}
		e.now = e.now.Add(10 * time.Minute)
		if n, err := e.svc.SweepExpired(ctx, 100); err != nil || n != 1 {
			t.Fatalf("second sweep: %d %v", n, err)
		}
		if len(e.users.users) != 0 {
			t.Error("placeholder must be removed with the last session")
		}
	})
}

func TestStep_VanishedUserEndsSession(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.SelfRegistrationAllowed = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "new@example.com", Registration: true}))
	e.users.users = map[string]*userdomain.User{}
	res, err := e.svc.Register(ctx, start.SessionToken, RegisterRequest{Password: password})
	if err != nil || res.Code != domain.CodeInvalidSession {
		t.Fatalf("res = %+v %v", res, err)
	}
	if e.steps.count() != 0 {
		t.Error("session rows must be removed")
	}
}

func TestStart_RetiredAccountIsNotUnknown(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.SelfRegistrationAllowed = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	u := e.addUser(t, "u1", "retired@example.com", "t1", password)
	u.Disabled, u.Locked, u.MarkedForDelete = true, true, true
	ctx := context.Background()

	for _, req := range []StartRequest{{Email: u.Email}, {Email: u.Email, Registration: true}} {
		res, err := e.svc.Start(ctx, req)
		if err != nil || res.Code != domain.CodeAccountDeleted || res.SessionToken != "" {
			t.Errorf("Start(%+v) = %+v %v", req, res, err)
		}
	}
	if got := e.users.user("u1"); !got.Disabled || !got.Locked || !got.MarkedForDelete || len(e.users.creds["u1"]) != 1 {
		t.Errorf("account must be untouched: %+v", got)
	}
}

func TestStep_OrderAndSessionErrors(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.TermsRequired = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	if res, _ := e.svc.AcceptTermsAndConditions(ctx, start.SessionToken, true); res.Code != domain.CodeIncompleteState {
		t.Errorf("out of order: %q", res.Code)
	}
	if res, _ := e.svc.ValidateTotp(ctx, start.SessionToken, "123456"); res.Code != domain.CodeInvalidSession {
		t.Errorf("kind not in sequence: %q", res.Code)
	}
	if res, _ := e.svc.EnterPassword(ctx, "", password); res.Code != domain.CodeInvalidSession {
		t.Errorf("empty token: %q", res.Code)
	}
	mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))
	if res, _ := e.svc.AcceptTermsAndConditions(ctx, start.SessionToken, false); res.Code != domain.CodeTermsNotAccepted {
		t.Errorf("declined terms: %q", res.Code)
	}
}

func TestStep_SessionBusy(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")}, func(d *Deps) { d.Locker = blockingLocker{} })
	e.addUser(t, "u1", "alice@example.com", "t1", password)
	start := mustOK(t)(e.svc.Start(context.Background(), StartRequest{Email: "alice@example.com"}))
	res, err := e.svc.EnterPassword(context.Background(), start.SessionToken, password)
	if err != nil || res.Code != domain.CodeSessionBusy {
		t.Errorf("res = %+v, %v", res, err)
	}
}

func TestMigration(t *testing.T) {
	newMigrationEnv := func(t *testing.T, legacyPassword string) *env {
		e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
		e.resolver.migration["t1"] = &tenantdomain.LegacyMigrationConfig{TenantID: "t1", Enabled: true, URI: "http://legacy"}
		e.legacy.users["old@example.com"] = legacyPassword
		return e
	}
	ctx := context.Background()

	t.Run("success activates placeholder", func(t *testing.T) {
		e := newMigrationEnv(t, password)
		start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "old@example.com"}))
		if start.NextStep != domain.StepEnterPasswordAndMigrateUser {
			t.Fatalf("next = %v", start.NextStep)
		}
		steps, _ := e.steps.GetSteps(ctx, start.SessionToken)
		ph := e.users.user(steps[0].UserID)
		if ph == nil || !ph.IsPlaceholder() {
			t.Fatalf("placeholder = %+v", ph)
		}
		res := mustOK(t)(e.svc.EnterPasswordAndMigrateUser(ctx, start.SessionToken, password))
		if !res.Completed {
			t.Fatalf("res = %+v", res)
		}
		u := e.users.user(ph.ID)
		if u.IsPlaceholder() || u.Name != "Legacy User" || u.Phone != "+15550100" {
			t.Errorf("user = %+v", u)
		}
		if len(e.users.creds[u.ID]) != 1 || e.hasher.Compare(e.users.creds[u.ID][0].Hash, []byte(password)) != nil {
			t.Error("credential not stored")
		}
	})

	t.Run("rejected password", func(t *testing.T) {
		e := newMigrationEnv(t, password)
		start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "old@example.com"}))
		res, err := e.svc.EnterPasswordAndMigrateUser(ctx, start.SessionToken, "Wrong-Horse77")
		if err != nil || res.Code != domain.CodeMigrationFailed || res.Code.Category() != domain.CategoryMigration {
			t.Errorf("res = %+v %v", res, err)
		}
	})

	t.Run("weak legacy password forces rotation", func(t *testing.T) {
		e := newMigrationEnv(t, "weak")
		start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "old@example.com"}))
		res := mustOK(t)(e.svc.EnterPasswordAndMigrateUser(ctx, start.SessionToken, "weak"))
		if res.NextStep != domain.StepRotatePassword {
			t.Fatalf("next = %v, kinds %v", res.NextStep, e.kinds(start.SessionToken))
		}
		if r, _ := e.svc.RotatePassword(ctx, start.SessionToken, "weak"); r.Code != domain.CodePasswordPolicy {
			t.Errorf("weak rotation: %q", r.Code)
		}
		res = mustOK(t)(e.svc.RotatePassword(ctx, start.SessionToken, "Rotated-Horse9"))
		if !res.Completed {
			t.Errorf("res = %+v", res)
		}
	})
}

func TestRegistration(t *testing.T) {
	ctx := context.Background()

	t.Run("register then complete", func(t *testing.T) {
		tenant := activeTenant("t1")
		tenant.SelfRegistrationAllowed = true
		tenant.TermsRequired = true
		e := newEnv(t, []*tenantdomain.Tenant{tenant})
		start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "new@example.com", Registration: true}))
		if start.NextStep != domain.StepRegister {
			t.Fatalf("next = %v", start.NextStep)
		}
		if r, _ := e.svc.Register(ctx, start.SessionToken, RegisterRequest{Password: "short"}); r.Code != domain.CodePasswordPolicy {
			t.Errorf("weak password: %q", r.Code)
		}
		res := mustOK(t)(e.svc.Register(ctx, start.SessionToken, RegisterRequest{Password: password, Name: " New User "}))
		if res.NextStep != domain.StepAcceptTermsAndConditions {
			t.Fatalf("next = %v (%v)", res.NextStep, e.kinds(start.SessionToken))
		}
		res = mustOK(t)(e.svc.AcceptTermsAndConditions(ctx, start.SessionToken, true))
		if !res.Completed {
			t.Fatalf("res = %+v", res)
		}
		u, _ := e.users.GetUserBy(ctx, userdomain.LookupByEmail, "new@example.com")
		if u == nil || u.IsPlaceholder() || u.Name != "New User" {
			t.Errorf("user = %+v", u)
		}
	})

	t.Run("captcha", func(t *testing.T) {
		tenant := activeTenant("t1")
		tenant.SelfRegistrationAllowed = true
		tenant.CaptchaRequired = true
		e := newEnv(t, []*tenantdomain.Tenant{tenant}, func(d *Deps) { d.Captcha = fakeCaptcha{ok: true} })
		start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "new@example.com", Registration: true}))
		if r, _ := e.svc.Register(ctx, start.SessionToken, RegisterRequest{Password: password}); r.Code != domain.CodeCaptchaFailed {
			t.Errorf("missing captcha: %q", r.Code)
		}
		mustOK(t)(e.svc.Register(ctx, start.SessionToken, RegisterRequest{Password: password, CaptchaToken: "tok"}))
	})

	t.Run("select tenant then register", func(t *testing.T) {
		a, b := activeTenant("a"), activeTenant("b")
		a.SelfRegistrationAllowed, b.SelfRegistrationAllowed = true, true
		closed := activeTenant("closed")
		e := newEnv(t, []*tenantdomain.Tenant{a, b, closed})
		start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "new@example.com", Registration: true}))
		if start.NextStep != domain.StepSelectTenantThenRegister || len(start.Tenants) != 2 {
			t.Fatalf("start = %+v", start)
		}
		if r, _ := e.svc.SelectTenantThenRegister(ctx, start.SessionToken, "closed"); r.Code != domain.CodeTenantNotEligible {
			t.Errorf("closed tenant: %q", r.Code)
		}
		res := mustOK(t)(e.svc.SelectTenantThenRegister(ctx, start.SessionToken, "b"))
		if res.NextStep != domain.StepRegister {
			t.Fatalf("next = %v", res.NextStep)
		}
		res = mustOK(t)(e.svc.Register(ctx, start.SessionToken, RegisterRequest{Password: password}))
		u, _ := e.users.GetUserBy(ctx, userdomain.LookupByEmail, "new@example.com")
		if u == nil || u.TenantID != "b" {
			t.Fatalf("user = %+v", u)
		}
		if !res.Completed || res.Token != "portal:"+u.ID+":b" {
			t.Errorf("res = %+v", res)
		}
	})
}

func TestSelectTenant(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("a"), activeTenant("b")})
	u := e.addUser(t, "u1", "alice@example.com", "b", password)
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	if start.NextStep != domain.StepSelectTenant || len(start.Tenants) != 2 {
		t.Fatalf("start = %+v", start)
	}
	if r, _ := e.svc.SelectTenant(ctx, start.SessionToken, "zzz"); r.Code != domain.CodeTenantNotEligible {
		t.Errorf("unknown tenant: %q", r.Code)
	}
	res := mustOK(t)(e.svc.SelectTenant(ctx, start.SessionToken, "a"))
	if res.NextStep != domain.StepEnterPassword {
		t.Fatalf("next = %v", res.NextStep)
	}
	steps, _ := e.steps.GetSteps(ctx, start.SessionToken)
	for _, st := range steps {
		if st.TenantID != "a" {
			t.Errorf("row %d tenant = %q", st.Order, st.TenantID)
		}
	}
	res = mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))
	if res.Token != "portal:u1:a" {
		t.Errorf("token = %q", res.Token)
	}
}

func TestTotpEnrollment(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.TotpRequired = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))
	if r, _ := e.svc.ConfigureTotp(ctx, start.SessionToken, "123456"); r.Code != domain.CodeInvalidRequest {
		t.Errorf("confirm before begin: %q", r.Code)
	}
	begin := mustOK(t)(e.svc.ConfigureTotp(ctx, start.SessionToken, ""))
	if begin.TotpSecret == "" || !strings.HasPrefix(begin.TotpURI, "otpauth://") || begin.NextStep != domain.StepConfigureTotp {
		t.Fatalf("begin = %+v", begin)
	}
	code, err := totp.GenerateCode(begin.TotpSecret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	res := mustOK(t)(e.svc.ConfigureTotp(ctx, start.SessionToken, code))
	if res.NextStep != domain.StepValidateTotp {
		t.Fatalf("next = %v", res.NextStep)
	}
	if !userdomain.HasMfa(e.users.relations[u.ID], userdomain.MfaTotp) {
		t.Error("totp relation not stored")
	}
	res = mustOK(t)(e.svc.ValidateTotp(ctx, start.SessionToken, code))
	if !res.Completed {
		t.Errorf("res = %+v", res)
	}
}

func TestRotatePassword_Reuse(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
	p := policydomain.DefaultPasswordPolicy("bcrypt")
	p.RotationPeriod = 24 * time.Hour
	p.HistoryPeriod = 365 * 24 * time.Hour
	e.resolver.policies["t1"] = p
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	e.users.creds[u.ID][0].CreatedAt = e.now.Add(-48 * time.Hour)
	e.setDuress(t, u.ID, "Duress-Horse88")
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	res := mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))
	if res.NextStep != domain.StepRotatePassword {
		t.Fatalf("next = %v", res.NextStep)
	}
	for _, pw := range []string{password, "Duress-Horse88"} {
		if r, _ := e.svc.RotatePassword(ctx, start.SessionToken, pw); r.Code != domain.CodePasswordReused {
			t.Errorf("RotatePassword(%q) = %q, want password_reused", pw, r.Code)
		}
	}
	mustOK(t)(e.svc.RotatePassword(ctx, start.SessionToken, "Rotated-Horse9"))
	if got := len(e.users.creds[u.ID]); got != 2 {
		t.Errorf("credentials = %d, want 2", got)
	}
}

func TestConfigureDuressPassword(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.DuressPasswordEnabled = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))
	if r, _ := e.svc.ConfigureDuressPassword(ctx, start.SessionToken, password); r.Code != domain.CodePasswordReused {
		t.Errorf("same as login: %q", r.Code)
	}
	mustOK(t)(e.svc.ConfigureDuressPassword(ctx, start.SessionToken, "Duress-Horse88"))
	if e.users.duress[u.ID] == nil {
		t.Error("duress credential not stored")
	}
}

func TestConfigureRecoveryEmail(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.RecoveryEmailRequired = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	u.RecoveryEmail = ""
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: u.Email}))
	mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))
	if r, _ := e.svc.ConfigureRecoveryEmail(ctx, start.SessionToken, "alice@example.com"); r.Code != domain.CodeInvalidRequest {
		t.Errorf("same address: %q", r.Code)
	}
	mustOK(t)(e.svc.ConfigureRecoveryEmail(ctx, start.SessionToken, "Backup@Example.org"))
	if got := e.users.user(u.ID).RecoveryEmail; got != "backup@example.org" {
		t.Errorf("recovery email = %q", got)
	}
}

func TestPreAuthFlow(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
	e.addUser(t, "u1", "alice@example.com", "t1", password)
	e.auth.preAuth["pa"] = &authdomain.PreAuthState{Token: "pa", TenantID: "t1", ExpiresAt: e.now.Add(time.Hour)}
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "alice@example.com", PreAuthToken: "pa"}))
	res := mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))
	if !res.Completed || res.Token != "" || !strings.Contains(res.RedirectURI, "code=code-u1") {
		t.Errorf("res = %+v", res)
	}
}

func TestDeviceFlow(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
	e.addUser(t, "u1", "alice@example.com", "t1", password)
	e.auth.devices["d1"] = &authdomain.DeviceCode{ID: "d1", TenantID: "t1", Status: authdomain.DeviceCodePending, ExpiresAt: e.now.Add(time.Hour)}
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "alice@example.com", DeviceCodeID: "d1"}))
	res := mustOK(t)(e.svc.EnterPassword(ctx, start.SessionToken, password))
	if !res.Completed || res.RedirectURI != "https://portal.example/device/registered" || res.Token != "" {
		t.Errorf("res = %+v", res)
	}
	dc := e.auth.devices["d1"]
	if dc.Status != authdomain.DeviceCodeApproved || dc.UserID != "u1" {
		t.Errorf("device code = %+v", dc)
	}
	if ev := e.events.next(t); ev.Type != "device_registered" {
		t.Errorf("event = %q", ev.Type)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pre-auth redirects with access_denied", func(t *testing.T) {
		e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
		e.addUser(t, "u1", "alice@example.com", "t1", password)
		e.auth.preAuth["pa"] = &authdomain.PreAuthState{Token: "pa", TenantID: "t1", ExpiresAt: e.now.Add(time.Hour)}
		start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "alice@example.com", PreAuthToken: "pa"}))
		res := mustOK(t)(e.svc.Cancel(ctx, start.SessionToken))
		if !strings.Contains(res.RedirectURI, "error=access_denied") {
			t.Errorf("redirect = %q", res.RedirectURI)
		}
		if e.steps.count() != 0 {
			t.Error("rows must be deleted")
		}
		if r, _ := e.svc.Cancel(ctx, start.SessionToken); r.Code != domain.CodeInvalidSession {
			t.Errorf("second cancel: %q", r.Code)
		}
	})

	t.Run("device code cancelled", func(t *testing.T) {
		e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
		e.addUser(t, "u1", "alice@example.com", "t1", password)
		e.auth.devices["d1"] = &authdomain.DeviceCode{ID: "d1", TenantID: "t1", Status: authdomain.DeviceCodePending, ExpiresAt: e.now.Add(time.Hour)}
		start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "alice@example.com", DeviceCodeID: "d1"}))
		mustOK(t)(e.svc.Cancel(ctx, start.SessionToken))
		if e.auth.devices["d1"].Status != authdomain.DeviceCodeCancelled {
			t.Errorf("status = %q", e.auth.devices["d1"].Status)
		}
	})

	t.Run("registration placeholder removed", func(t *testing.T) {
		tenant := activeTenant("t1")
		tenant.SelfRegistrationAllowed = true
		e := newEnv(t, []*tenantdomain.Tenant{tenant})
		start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "new@example.com", Registration: true}))
		mustOK(t)(e.svc.Cancel(ctx, start.SessionToken))
		if len(e.users.users) != 0 {
			t.Error("placeholder must be removed")
		}
	})
}

func TestFederatedLogin(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1"), activeTenant("corp")})
	e.providers.providers = []*federationdomain.Provider{{ID: "p1", TenantID: "corp", Domain: "corp.example", Issuer: "https://idp.example", ClientID: "cid"}}
	e.fed.claims["good"] = &federationdomain.Claims{Subject: "sub-1", Email: "Dave@corp.example", EmailVerified: true, Name: "Dave"}
	e.fed.claims["foreign"] = &federationdomain.Claims{Subject: "sub-2", Email: "eve@other.example", EmailVerified: true}
	ctx := context.Background()

	start := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "dave@corp.example"}))
	if start.NextStep != domain.StepAuthWithFederatedOidc {
		t.Fatalf("next = %v", start.NextStep)
	}
	begin := mustOK(t)(e.svc.AuthWithFederatedOidc(ctx, start.SessionToken))
	if !strings.Contains(begin.FederationURL, "state="+start.SessionToken) {
		t.Errorf("url = %q", begin.FederationURL)
	}
	if r, _ := e.svc.CompleteFederatedLogin(ctx, start.SessionToken, "bad"); r.Code != domain.CodeFederationFailed || r.Code.Category() != domain.CategoryDependency {
		t.Errorf("bad code: %q", r.Code)
	}
	if r, _ := e.svc.CompleteFederatedLogin(ctx, start.SessionToken, "foreign"); r.Code != domain.CodeFederationFailed {
		t.Errorf("foreign domain: %q", r.Code)
	}
	res := mustOK(t)(e.svc.CompleteFederatedLogin(ctx, start.SessionToken, "good"))
	if !res.Completed || !strings.HasSuffix(res.Token, ":corp") {
		t.Fatalf("res = %+v", res)
	}
	u, _ := e.users.GetUserBy(ctx, userdomain.LookupByEmail, "dave@corp.example")
	if u == nil || u.Name != "Dave" || u.TenantID != "corp" {
		t.Fatalf("user = %+v", u)
	}
	if link, _ := e.links.GetByProviderSubject(ctx, "p1", "sub-1"); link == nil || link.UserID != u.ID {
		t.Errorf("link = %+v", link)
	}
	if m, _ := e.members.GetByUserAndTenant(ctx, u.ID, "corp"); m != nil {
		t.Errorf("home tenant needs no membership: %+v", m)
	}

	frank := e.addUser(t, "u-frank", "frank@corp.example", "t1", password)
	e.fed.claims["frank"] = &federationdomain.Claims{Subject: "sub-3", Email: frank.Email, EmailVerified: true, Name: "Frank"}
	start = mustOK(t)(e.svc.Start(ctx, StartRequest{Email: frank.Email}))
	mustOK(t)(e.svc.AuthWithFederatedOidc(ctx, start.SessionToken))
	mustOK(t)(e.svc.CompleteFederatedLogin(ctx, start.SessionToken, "frank"))
	m, _ := e.members.GetByUserAndTenant(ctx, frank.ID, "corp")
	if m == nil || m.Source != membershipdomain.SourceFederated {
		t.Errorf("membership = %+v, want a federated grant to corp", m)
	}
}

func TestSweepExpired(t *testing.T) {
	tenant := activeTenant("t1")
	tenant.SelfRegistrationAllowed = true
	e := newEnv(t, []*tenantdomain.Tenant{tenant})
	e.addUser(t, "u1", "alice@example.com", "t1", password)
	ctx := context.Background()

	mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "alice@example.com"}))
	mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "new@example.com", Registration: true}))
	e.now = e.now.Add(5 * time.Minute)
	live := mustOK(t)(e.svc.Start(ctx, StartRequest{Email: "alice@example.com"}))

	e.now = e.now.Add(6 * time.Minute)
	n, err := e.svc.SweepExpired(ctx, 100)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if e.steps.count() != 1 || len(e.kinds(live.SessionToken)) == 0 {
		t.Error("live session must survive")
	}
	if _, ok := e.users.users["u1"]; !ok || len(e.users.users) != 1 {
		t.Error("only the placeholder may be removed")
	}
}

func TestUnlockUser(t *testing.T) {
	e := newEnv(t, []*tenantdomain.Tenant{activeTenant("t1")})
	u := e.addUser(t, "u1", "alice@example.com", "t1", password)
	u.Locked = true
	e.users.attempts[u.ID] = []userdomain.FailedAttempt{{ID: "f", UserID: u.ID, FailureCount: 9}}
	if err := e.svc.UnlockUser(context.Background(), u.ID); err != nil {
		t.Fatalf("UnlockUser: %v", err)
	}
	if e.users.user(u.ID).Locked || len(e.users.attempts[u.ID]) != 0 {
		t.Error("user not unlocked")
	}
	if err := e.svc.UnlockUser(context.Background(), "missing"); err != ErrUserNotFound {
		t.Errorf("missing user: %v", err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}, Config{}); err != ErrMissingDependency {
		t.Errorf("err = %v", err)
	}
}
