package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"iam-workflow/backend/internal/authstate"
	authdomain "iam-workflow/backend/internal/authstate/domain"
	"iam-workflow/backend/internal/credential"
	federationdomain "iam-workflow/backend/internal/federation/domain"
	identitydomain "iam-workflow/backend/internal/identity/domain"
	"iam-workflow/backend/internal/legacy"
	"iam-workflow/backend/internal/lock"
	membershipdomain "iam-workflow/backend/internal/membership/domain"
	"iam-workflow/backend/internal/policy/engine"
	policydomain "iam-workflow/backend/internal/policy/domain"
	"iam-workflow/backend/internal/security"
	"iam-workflow/backend/internal/securityevent"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
	"iam-workflow/backend/internal/workflow/domain"
)

type memSteps struct {
	mu       sync.Mutex
	sessions map[string][]domain.Step
}

func newMemSteps() *memSteps { return &memSteps{sessions: make(map[string][]domain.Step)} }

func (m *memSteps) CreateSteps(ctx context.Context, steps []domain.Step) error {
	if err := domain.ValidateSequence(steps); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[steps[0].SessionToken] = append([]domain.Step(nil), steps...)
	return nil
}

func (m *memSteps) GetSteps(ctx context.Context, token string) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Step(nil), m.sessions[token]...), nil
}

func (m *memSteps) UpdateStep(ctx context.Context, s domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sessions[s.SessionToken]
	for i := range rows {
		if rows[i].Order == s.Order {
			rows[i] = s
			return nil
		}
	}
	return errors.New("step not found")
}

func (m *memSteps) DeleteSteps(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *memSteps) ReplaceSteps(ctx context.Context, token string, steps []domain.Step) error {
	if err := domain.ValidateSequence(steps); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = append([]domain.Step(nil), steps...)
	return nil
}

func (m *memSteps) ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for token, rows := range m.sessions {
		if len(rows) > 0 && !before.Before(rows[0].ExpiresAt) {
			out = append(out, token)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSteps) CountUserSessions(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rows := range m.sessions {
		if len(rows) > 0 && rows[0].UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memSteps) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// memIdentity backs both the workflow's IdentityStore and the credential validator's Store.
type memIdentity struct {
	mu        sync.Mutex
	users     map[string]*userdomain.User
	creds     map[string][]userdomain.Credential
	duress    map[string]*userdomain.DuressCredential
	relations map[string][]userdomain.MfaRelation
	attempts  map[string][]userdomain.FailedAttempt
	terms     map[string]bool
}

func newMemIdentity() *memIdentity {
	return &memIdentity{
		users:     make(map[string]*userdomain.User),
		creds:     make(map[string][]userdomain.Credential),
		duress:    make(map[string]*userdomain.DuressCredential),
		relations: make(map[string][]userdomain.MfaRelation),
		attempts:  make(map[string][]userdomain.FailedAttempt),
		terms:     make(map[string]bool),
	}
}

func (m *memIdentity) GetUserBy(ctx context.Context, kind userdomain.LookupKind, value string) (*userdomain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if (kind == userdomain.LookupByID && u.ID == value) || (kind == userdomain.LookupByEmail && u.Email == value) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memIdentity) CreateUser(ctx context.Context, u *userdomain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.users {
		if e.Email == u.Email {
			return errors.New("duplicate email")
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memIdentity) UpdateUser(ctx context.Context, u *userdomain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memIdentity) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *memIdentity) GetCredentials(ctx context.Context, userID string) ([]userdomain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]userdomain.Credential(nil), m.creds[userID]...), nil
}

func (m *memIdentity) AddCredential(ctx context.Context, c userdomain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.UserID] = append(m.creds[c.UserID], c)
	return nil
}

func (m *memIdentity) GetDuressCredential(ctx context.Context, userID string) (*userdomain.DuressCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duress[userID], nil
}

func (m *memIdentity) SetDuressCredential(ctx context.Context, c userdomain.DuressCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duress[c.UserID] = &c
	return nil
}

func (m *memIdentity) GetMfaRelations(ctx context.Context, userID string) ([]userdomain.MfaRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]userdomain.MfaRelation(nil), m.relations[userID]...), nil
}

func (m *memIdentity) AddMfaRelation(ctx context.Context, r userdomain.MfaRelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relations[r.UserID] = append(m.relations[r.UserID], r)
	return nil
}

func (m *memIdentity) GetFailedAttempts(ctx context.Context, userID string) ([]userdomain.FailedAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]userdomain.FailedAttempt(nil), m.attempts[userID]...), nil
}

func (m *memIdentity) AddFailedAttempt(ctx context.Context, a userdomain.FailedAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.UserID] = append(m.attempts[a.UserID], a)
	return nil
}

func (m *memIdentity) ClearFailedAttempts(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, userID)
	return nil
}

func (m *memIdentity) UpdateSignCount(ctx context.Context, relationID string, signCount uint32) error {
	return nil
}

func (m *memIdentity) HasAcceptedTerms(ctx context.Context, userID, tenantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terms[userID+"|"+tenantID], nil
}

func (m *memIdentity) AcceptTerms(ctx context.Context, a userdomain.TermsAcceptance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms[a.UserID+"|"+a.TenantID] = true
	return nil
}

func (m *memIdentity) user(id string) *userdomain.User {
	u, _ := m.GetUserBy(context.Background(), userdomain.LookupByID, id)
	return u
}

type memLinks struct {
	mu    sync.Mutex
	links []identitydomain.Identity
}

func (m *memLinks) GetByProviderSubject(ctx context.Context, providerID, subject string) (*identitydomain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.ProviderID == providerID && l.ProviderSubject == subject {
			cp := l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memLinks) Create(ctx context.Context, i *identitydomain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, *i)
	return nil
}

type memMemberships struct {
	mu      sync.Mutex
	members []membershipdomain.Membership
}

func (m *memMemberships) GetByUserAndTenant(ctx context.Context, userID, tenantID string) (*membershipdomain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mb := range m.members {
		if mb.UserID == userID && mb.TenantID == tenantID {
			cp := mb
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memMemberships) Create(ctx context.Context, mb *membershipdomain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append(m.members, *mb)
	return nil
}

// fakeResolver serves fixed tenants and policies. Candidate tenants are the tenants listed in
// candidates, in order, regardless of user.
type fakeResolver struct {
	tenants    map[string]*tenantdomain.Tenant
	candidates []string
	policies   map[string]policydomain.PasswordPolicy
	failure    policydomain.FailurePolicy
	mfa        map[string]engine.MFAResult
	migration  map[string]*tenantdomain.LegacyMigrationConfig
}

func newFakeResolver(tenants ...*tenantdomain.Tenant) *fakeResolver {
	r := &fakeResolver{
		tenants:   make(map[string]*tenantdomain.Tenant),
		policies:  make(map[string]policydomain.PasswordPolicy),
		failure:   policydomain.DefaultFailurePolicy(5),
		mfa:       make(map[string]engine.MFAResult),
		migration: make(map[string]*tenantdomain.LegacyMigrationConfig),
	}
	for _, t := range tenants {
		r.tenants[t.ID] = t
		r.candidates = append(r.candidates, t.ID)
	}
	return r
}

func (r *fakeResolver) Tenant(ctx context.Context, id string) (*tenantdomain.Tenant, error) {
	return r.tenants[id], nil
}

func (r *fakeResolver) CandidateTenants(ctx context.Context, user *userdomain.User, email string) ([]*tenantdomain.Tenant, error) {
	var out []*tenantdomain.Tenant
	for _, id := range r.candidates {
		if t := r.tenants[id]; t != nil && t.Status != tenantdomain.TenantStatusSuspended {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeResolver) PasswordPolicy(ctx context.Context, tenantID string) (policydomain.PasswordPolicy, error) {
	if p, ok := r.policies[tenantID]; ok {
		return p, nil
	}
	p := policydomain.DefaultPasswordPolicy(security.AlgBcrypt)
	p.TenantID = tenantID
	return p, nil
}

func (r *fakeResolver) EffectivePasswordPolicy(ctx context.Context, target, credentialTenant string) (policydomain.PasswordPolicy, error) {
	a, _ := r.PasswordPolicy(ctx, target)
	if credentialTenant == "" || credentialTenant == target {
		return a, nil
	}
	b, _ := r.PasswordPolicy(ctx, credentialTenant)
	return policydomain.MergePasswordPolicies(a, b, security.AlgBcrypt), nil
}

func (r *fakeResolver) FailurePolicy(ctx context.Context, tenantID string) (policydomain.FailurePolicy, error) {
	return r.failure, nil
}

func (r *fakeResolver) MFARequirements(ctx context.Context, tenant *tenantdomain.Tenant, user *userdomain.User, flow engine.Flow) (engine.MFAResult, error) {
	res := r.mfa[tenant.ID]
	res.RequireTotp = res.RequireTotp || tenant.TotpRequired
	res.RequireSecurityKey = res.RequireSecurityKey || tenant.SecurityKeyRequired
	return res, nil
}

func (r *fakeResolver) Migration(ctx context.Context, tenantID string) (*tenantdomain.LegacyMigrationConfig, error) {
	return r.migration[tenantID], nil
}

type memAuth struct {
	mu      sync.Mutex
	preAuth map[string]*authdomain.PreAuthState
	devices map[string]*authdomain.DeviceCode
}

func newMemAuth() *memAuth {
	return &memAuth{preAuth: make(map[string]*authdomain.PreAuthState), devices: make(map[string]*authdomain.DeviceCode)}
}

func (m *memAuth) GetPreAuthState(ctx context.Context, token string) (*authdomain.PreAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preAuth[token], nil
}

func (m *memAuth) GetDeviceCode(ctx context.Context, id string) (*authdomain.DeviceCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.devices[id]; d != nil {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (m *memAuth) UpdateDeviceCode(ctx context.Context, d *authdomain.DeviceCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

// fakeTokens issues predictable tokens. Pre-auth tokens listed in consumed are unusable.
type fakeTokens struct {
	mu       sync.Mutex
	consumed map[string]bool
	issued   []string
}

func newFakeTokens() *fakeTokens { return &fakeTokens{consumed: make(map[string]bool)} }

func (f *fakeTokens) SignPortalToken(ctx context.Context, u *userdomain.User, tenantID string, ttl time.Duration) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok := "portal:" + u.ID + ":" + tenantID
	f.issued = append(f.issued, tok)
	return tok, time.Now().Add(ttl), nil
}

func (f *fakeTokens) GenerateAuthorizationCode(ctx context.Context, userID, preAuthToken string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed[preAuthToken] {
		return "", authstate.ErrPreAuthUnusable
	}
	f.consumed[preAuthToken] = true
	return "https://client.example/cb?code=code-" + userID + "&state=xyz", nil
}

func (f *fakeTokens) AccessDeniedRedirect(ctx context.Context, preAuthToken string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed[preAuthToken] {
		return "", authstate.ErrPreAuthUnusable
	}
	f.consumed[preAuthToken] = true
	return "https://client.example/cb?error=access_denied&state=xyz", nil
}

type fakeLegacy struct {
	users map[string]string // email -> password
	err   error
}

func (f *fakeLegacy) UsernameExists(ctx context.Context, uri, email string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.users[email]
	return ok, nil
}

func (f *fakeLegacy) Authenticate(ctx context.Context, uri, email, password string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	pw, ok := f.users[email]
	return ok && pw == password, nil
}

func (f *fakeLegacy) FetchProfile(ctx context.Context, uri, email string) (*legacy.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &legacy.Profile{Email: email, Name: "Legacy User", Phone: "+15550100"}, nil
}

type fakeProviders struct {
	providers []*federationdomain.Provider
}

func (f *fakeProviders) GetProvider(ctx context.Context, id string) (*federationdomain.Provider, error) {
	for _, p := range f.providers {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeProviders) ProviderForDomain(ctx context.Context, d string) (*federationdomain.Provider, error) {
	for _, p := range f.providers {
		if p.Domain == d {
			return p, nil
		}
	}
	return nil, nil
}

type fakeFederation struct {
	claims map[string]*federationdomain.Claims // by code
}

func (f *fakeFederation) AuthCodeURL(ctx context.Context, p *federationdomain.Provider, state string) (string, error) {
	return p.Issuer + "/authorize?client_id=" + p.ClientID + "&state=" + state, nil
}

func (f *fakeFederation) Exchange(ctx context.Context, p *federationdomain.Provider, code string) (*federationdomain.Claims, error) {
	c, ok := f.claims[code]
	if !ok {
		return nil, errors.New("invalid_grant")
	}
	return c, nil
}

type fakeCaptcha struct{ ok bool }

func (f fakeCaptcha) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	return f.ok && token != "", nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []securityevent.Event
	ch     chan securityevent.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{ch: make(chan securityevent.Event, 16)}
}

func (p *recordingPublisher) Publish(ctx context.Context, e securityevent.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	p.ch <- e
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) next(t *testing.T) securityevent.Event {
	t.Helper()
	select {
	case e := <-p.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no security event published")
		return securityevent.Event{}
	}
}

type blockingLocker struct{}

func (blockingLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return "", false, nil
}

func (blockingLocker) Unlock(ctx context.Context, key, token string) error { return nil }

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAudit) LogEvent(ctx context.Context, tenantID, userID, action, resource, metadata string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action+" "+metadata)
}

// env is a fully wired service over in-memory fakes.
type env struct {
	svc       *WorkflowService
	steps     *memSteps
	users     *memIdentity
	links     *memLinks
	members   *memMemberships
	resolver  *fakeResolver
	auth      *memAuth
	tokens    *fakeTokens
	legacy    *fakeLegacy
	providers *fakeProviders
	fed       *fakeFederation
	events    *recordingPublisher
	audit     *recordingAudit
	hasher    *security.Hasher
	now       time.Time
}

type envOption func(*Deps)

func newEnv(t *testing.T, tenants []*tenantdomain.Tenant, opts ...envOption) *env {
	t.Helper()
	e := &env{
		steps:     newMemSteps(),
		users:     newMemIdentity(),
		links:     &memLinks{},
		members:   &memMemberships{},
		resolver:  newFakeResolver(tenants...),
		auth:      newMemAuth(),
		tokens:    newFakeTokens(),
		legacy:    &fakeLegacy{users: map[string]string{}},
		providers: &fakeProviders{},
		fed:       &fakeFederation{claims: map[string]*federationdomain.Claims{}},
		events:    newRecordingPublisher(),
		audit:     &recordingAudit{},
		hasher:    security.NewHasher(4),
		now:       time.Now().UTC().Truncate(time.Second),
	}
	totp := credential.NewTOTP("iam", 1)
	deps := Deps{
		Steps:       e.steps,
		Users:       e.users,
		Links:       e.links,
		Memberships: e.members,
		Resolver:    e.resolver,
		Auth:        e.auth,
		Tokens:      e.tokens,
		Credentials: credential.NewValidator(e.users, e.resolver, e.hasher, totp, nil, nil),
		Totp:        totp,
		Hasher:      e.hasher,
		Providers:   e.providers,
		Federation:  e.fed,
		Legacy:      e.legacy,
		Locker:      lock.NewMemoryLocker(),
		Events:      e.events,
		Audit:       e.audit,
	}
	for _, o := range opts {
		o(&deps)
	}
	svc, err := New(deps, Config{
		WorkflowTTL:         10 * time.Minute,
		SessionLockTTL:      10 * time.Second,
		OutboundTimeout:     time.Second,
		PortalTokenTTL:      time.Hour,
		PortalURI:           "https://portal.example/",
		DeviceRegisteredURI: "https://portal.example/device/registered",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.setClock(func() time.Time { return e.now })
	e.svc = svc
	return e
}

// addUser stores an active user with password pw in tenantID.
func (e *env) addUser(t *testing.T, id, email, tenantID, pw string) *userdomain.User {
	t.Helper()
	u := &userdomain.User{ID: id, TenantID: tenantID, Email: email, RecoveryEmail: "r-" + email, CreatedAt: e.now, UpdatedAt: e.now}
	e.users.users[id] = u
	hash, err := e.hasher.Hash(security.AlgBcrypt, []byte(pw))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	e.users.creds[id] = []userdomain.Credential{{ID: id + "-c1", UserID: id, TenantID: tenantID, Hash: hash, Algorithm: "bcrypt", CreatedAt: e.now}}
	return u
}

func (e *env) setDuress(t *testing.T, userID, pw string) {
	t.Helper()
	hash, err := e.hasher.Hash(security.AlgBcrypt, []byte(pw))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	e.users.duress[userID] = &userdomain.DuressCredential{UserID: userID, Hash: hash, Algorithm: "bcrypt", CreatedAt: e.now}
}

func (e *env) kinds(token string) []domain.StepKind {
	steps, _ := e.steps.GetSteps(context.Background(), token)
	return domain.Kinds(steps)
}

func activeTenant(id string) *tenantdomain.Tenant {
	return &tenantdomain.Tenant{ID: id, Name: "Tenant " + id, Status: tenantdomain.TenantStatusActive}
}

// mustOK fails the test unless a step call returned no error and no failure code.
// Use as mustOK(t)(e.svc.EnterPassword(...)).
func mustOK(t *testing.T) func(StepResult, error) StepResult {
	t.Helper()
	return func(res StepResult, err error) StepResult {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Code != domain.CodeOK {
			t.Fatalf("unexpected code %q", res.Code)
		}
		return res
	}
}
