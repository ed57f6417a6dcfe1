// ABOUTME: WebAuthn passkey ceremonies that produce biometric confirmation results
// ABOUTME: Requires user verification and issues single-use results the engine can attest

package biometric

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/2389/coven-sovereign/internal/authz"
	"github.com/2389/coven-sovereign/internal/store"
)

// MethodWebAuthn is the BiometricAuth.Method value for passkey results.
const MethodWebAuthn = "webauthn"

var (
	// ErrSessionInvalid is returned for an unknown or expired ceremony token.
	ErrSessionInvalid = errors.New("invalid or expired ceremony session")

	// ErrNoCredentials is returned when verification starts before enrollment.
	ErrNoCredentials = errors.New("no enrolled credentials")

	// ErrNotVerified is returned when the authenticator did not verify the user.
	ErrNotVerified = errors.New("authenticator did not perform user verification")
)

// Config configures the relying party.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string

	// OwnerID and OwnerName identify the single enrolled user.
	OwnerID   string
	OwnerName string

	// SessionTTL bounds how long a ceremony may take.
	SessionTTL time.Duration
	// ResultTTL bounds how long an issued result can be attested.
	ResultTTL time.Duration
}

// webAuthnUser adapts the owner and their stored credentials to webauthn.User.
type webAuthnUser struct {
	id    string
	name  string
	creds []*store.WebAuthnCredential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.id)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.name
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.name
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.creds))
	for i, c := range u.creds {
		creds[i] = webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Flags:           webauthn.NewCredentialFlags(protocol.AuthenticatorFlags(c.Flags)),
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		}
		if c.Transports != "" {
			var transports []protocol.AuthenticatorTransport
			_ = json.Unmarshal([]byte(c.Transports), &transports)
			creds[i].Transport = transports
		}
	}
	return creds
}

type issuedResult struct {
	timestamp time.Time
	expiresAt time.Time
}

// Service runs enrollment and verification ceremonies for the owner.
type Service struct {
	wa       *webauthn.WebAuthn
	store    store.CredentialStore
	sessions *sessionStore
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	issued map[string]issuedResult
}

// New creates a service. Credentials are persisted in st.
func New(cfg Config, st store.CredentialStore, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.RPID == "" {
		cfg.RPID = "localhost"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost", "https://localhost"}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "coven sovereign"
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = "owner"
	}
	if cfg.OwnerName == "" {
		cfg.OwnerName = cfg.OwnerID
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 5 * time.Minute
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}

	return &Service{
		wa:       wa,
		store:    st,
		sessions: newSessionStore(cfg.SessionTTL),
		cfg:      cfg,
		logger:   logger.With("component", "biometric"),
		now:      time.Now,
		issued:   make(map[string]issuedResult),
	}, nil
}

// Close stops background cleanup.
func (s *Service) Close() {
	s.sessions.Close()
}

func (s *Service) user(ctx context.Context) (*webAuthnUser, error) {
	creds, err := s.store.GetWebAuthnCredentialsByUser(ctx, s.cfg.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return &webAuthnUser{id: s.cfg.OwnerID, name: s.cfg.OwnerName, creds: creds}, nil
}

// BeginEnrollment starts registering a user-verifying platform credential.
// The returned token identifies the ceremony in FinishEnrollment.
func (s *Service) BeginEnrollment(ctx context.Context) (*protocol.CredentialCreation, string, error) {
	user, err := s.user(ctx)
	if err != nil {
		return nil, "", err
	}

	existing := user.WebAuthnCredentials()
	exclusions := make([]protocol.CredentialDescriptor, len(existing))
	for i, c := range existing {
		exclusions[i] = c.Descriptor()
	}

	options, session, err := s.wa.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			ResidentKey:             protocol.ResidentKeyRequirementPreferred,
			UserVerification:        protocol.VerificationRequired,
		}),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, "", fmt.Errorf("beginning registration: %w", err)
	}

	token, err := generateSecureToken(32)
	if err != nil {
		return nil, "", err
	}
	s.sessions.Set(token, session, user.id)
	return options, token, nil
}

// FinishEnrollment verifies the authenticator response and stores the credential.
func (s *Service) FinishEnrollment(ctx context.Context, token string, response []byte) (string, error) {
	session, userID, ok := s.sessions.Take(token)
	if !ok || userID != s.cfg.OwnerID {
		return "", ErrSessionInvalid
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return "", fmt.Errorf("parsing registration response: %w", err)
	}
	user, err := s.user(ctx)
	if err != nil {
		return "", err
	}
	cred, err := s.wa.CreateCredential(user, *session, parsed)
	if err != nil {
		return "", fmt.Errorf("verifying registration: %w", err)
	}
	if !cred.Flags.UserVerified {
		return "", ErrNotVerified
	}

	transports, err := json.Marshal(cred.Transport)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := s.store.CreateWebAuthnCredential(ctx, &store.WebAuthnCredential{
		ID:              id,
		UserID:          user.id,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      string(transports),
		Flags:           uint8(cred.Flags.ProtocolValue()),
		SignCount:       cred.Authenticator.SignCount,
		CreatedAt:       s.now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("storing credential: %w", err)
	}
	s.logger.Info("biometric credential enrolled", "credential_id", id)
	return id, nil
}

// BeginVerification starts a user-verified assertion against enrolled credentials.
func (s *Service) BeginVerification(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	user, err := s.user(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(user.creds) == 0 {
		return nil, "", ErrNoCredentials
	}

	options, session, err := s.wa.BeginLogin(user, webauthn.WithUserVerification(protocol.VerificationRequired))
	if err != nil {
		return nil, "", fmt.Errorf("beginning assertion: %w", err)
	}
	token, err := generateSecureToken(32)
	if err != nil {
		return nil, "", err
	}
	s.sessions.Set(token, session, user.id)
	return options, token, nil
}

// FinishVerification validates the assertion and issues a BiometricAuth that
// Confirm will accept once.
func (s *Service) FinishVerification(ctx context.Context, token string, response []byte) (*authz.BiometricAuth, error) {
	session, userID, ok := s.sessions.Take(token)
	if !ok || userID != s.cfg.OwnerID {
		return nil, ErrSessionInvalid
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("parsing assertion: %w", err)
	}
	stored, err := s.store.GetWebAuthnCredentialByCredentialID(ctx, parsed.RawID)
	if err != nil {
		return nil, fmt.Errorf("looking up credential: %w", err)
	}
	user, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	cred, err := s.wa.ValidateLogin(user, *session, parsed)
	if err != nil {
		s.logger.Warn("biometric verification failed", "error", err)
		return nil, fmt.Errorf("validating assertion: %w", err)
	}
	if !cred.Flags.UserVerified {
		return nil, ErrNotVerified
	}
	if err := s.store.UpdateWebAuthnCredentialSignCount(ctx, stored.ID, cred.Authenticator.SignCount); err != nil {
		s.logger.Warn("failed to update sign count", "error", err)
	}

	return s.issue(), nil
}

// issue records and returns a fresh successful result.
func (s *Service) issue() *authz.BiometricAuth {
	now := s.now().UTC()
	auth := &authz.BiometricAuth{
		ID:         uuid.New().String(),
		Success:    true,
		Confidence: 1.0,
		Timestamp:  now,
		Method:     MethodWebAuthn,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.issued {
		if now.After(r.expiresAt) {
			delete(s.issued, id)
		}
	}
	s.issued[auth.ID] = issuedResult{timestamp: now, expiresAt: now.Add(s.cfg.ResultTTL)}
	s.logger.Info("biometric verification succeeded", "result_id", auth.ID)
	return auth
}

// Confirm implements authz.BiometricAttestor. A result is accepted once,
// before it expires, and only with the timestamp it was issued with.
func (s *Service) Confirm(_ context.Context, auth *authz.BiometricAuth) bool {
	if auth == nil || auth.ID == "" || auth.Method != MethodWebAuthn {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.issued[auth.ID]
	if !ok {
		return false
	}
	delete(s.issued, auth.ID)
	return !s.now().After(r.expiresAt) && r.timestamp.Equal(auth.Timestamp)
}

var _ authz.BiometricAttestor = (*Service)(nil)

// sessionData stores WebAuthn session data for in-progress ceremonies.
type sessionData struct {
	session   *webauthn.SessionData
	userID    string
	expiresAt time.Time
}

// sessionStore is an in-memory store for ceremony challenges.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionData // keyed by session token
	ttl      time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
}

func newSessionStore(ttl time.Duration) *sessionStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &sessionStore{
		sessions: make(map[string]*sessionData),
		ttl:      ttl,
		now:      time.Now,
		cancel:   cancel,
	}
	go s.cleanupLoop(ctx)
	return s
}

// Close stops the cleanup goroutine.
func (s *sessionStore) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *sessionStore) Set(token string, session *webauthn.SessionData, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = &sessionData{
		session:   session,
		userID:    userID,
		expiresAt: s.now().Add(s.ttl),
	}
}

// Take returns and removes the session so each challenge is answered once.
func (s *sessionStore) Take(token string) (*webauthn.SessionData, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.sessions[token]
	if !ok {
		return nil, "", false
	}
	delete(s.sessions, token)
	if s.now().After(data.expiresAt) {
		return nil, "", false
	}
	return data.session, data.userID, true
}

func (s *sessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *sessionStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for k, v := range s.sessions {
				if now.After(v.expiresAt) {
					delete(s.sessions, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func generateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
