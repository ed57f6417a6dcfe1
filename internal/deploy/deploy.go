// ABOUTME: Deploys a sovereign agent from an exported identity into a new environment
// ABOUTME: Every step must succeed before the authorization engine is marked ready

package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/coven-sovereign/internal/authz"
	"github.com/2389/coven-sovereign/internal/dualsig"
	"github.com/2389/coven-sovereign/internal/identity"
	"github.com/2389/coven-sovereign/internal/store"
)

// Environment describes the host an agent is being deployed to.
type Environment struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// Config controls a deployment.
type Config struct {
	Environment          Environment
	RequiredCapabilities []string

	// BondTTL bounds the new bond's lifetime; zero uses identity.DefaultBondTTL.
	BondTTL time.Duration
	// IndefiniteBond opts into a bond without expiry.
	IndefiniteBond bool
	// KDF is used for later exports from this agent.
	KDF identity.KDFParams

	Authorization authz.Config
	Store         store.Store
	// Nonces overrides the durable nonce store backed by Store.
	Nonces    authz.NonceStore
	Biometric authz.BiometricAttestor
	Notifier  authz.ApprovalNotifier

	Logger *slog.Logger
	Audit  *slog.Logger
	Clock  func() time.Time
}

// DeploymentResult reports the outcome of DeploySovereignAgent.
type DeploymentResult struct {
	Success    bool      `json:"success"`
	AgentID    string    `json:"agent_id,omitempty"`
	BondID     string    `json:"bond_id,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	DeployedAt time.Time `json:"deployed_at"`

	// Agent is set once keys are in place. After a failed deployment its
	// engine is not ready and denies every request.
	Agent *Agent `json:"-"`
}

func (r *DeploymentResult) fail(format string, args ...any) *DeploymentResult {
	r.Success = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	return r
}

// ValidateEnvironment returns an error per required capability the
// environment lacks.
func ValidateEnvironment(env Environment, required []string) []error {
	var errs []error
	for _, c := range required {
		if !slices.Contains(env.Capabilities, c) {
			errs = append(errs, fmt.Errorf("environment %q lacks capability %q", env.Name, c))
		}
	}
	return errs
}

// DeploySovereignAgent imports the owner keys from exported, creates fresh
// agent keys and a new bond, restores delegated permissions, and only then
// marks the engine ready. Deploying the same export more than once yields
// independent agents bonded to the same owner.
func DeploySovereignAgent(ctx context.Context, exported *ExportedSovereignIdentity, passphrase string, cfg Config) *DeploymentResult {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Audit == nil {
		cfg.Audit = cfg.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.KDF == (identity.KDFParams{}) {
		cfg.KDF = identity.DefaultKDFParams
	}
	if cfg.Authorization.ClockSkew == 0 {
		contextual := cfg.Authorization.Contextual
		cfg.Authorization = authz.DefaultConfig()
		cfg.Authorization.Contextual = contextual
	}
	logger := cfg.Logger.With("component", "deploy")
	audit := cfg.Audit.With("component", "deploy")

	res := &DeploymentResult{DeployedAt: cfg.Clock().UTC()}
	defer func() {
		attrs := []any{"success", res.Success, "environment", cfg.Environment.Name}
		if res.AgentID != "" {
			attrs = append(attrs, "agent_id", res.AgentID, "bond_id", res.BondID)
		}
		if len(res.Errors) > 0 {
			attrs = append(attrs, "errors", res.Errors)
		}
		audit.Info("deployment finished", attrs...)
	}()

	if cfg.Store == nil {
		return res.fail("no store configured")
	}
	if errs := ValidateEnvironment(cfg.Environment, cfg.RequiredCapabilities); len(errs) > 0 {
		for _, err := range errs {
			res.Errors = append(res.Errors, err.Error())
		}
		return res
	}
	if exported == nil || exported.EncryptedKeyBundle == nil {
		return res.fail("export is missing the encrypted key bundle")
	}

	// A manifest without a signature is a bare key bundle; anything signed
	// must verify before its contents are trusted.
	withManifest := len(exported.ExportSignature) > 0
	if withManifest && !verifyExport(exported, cfg.Audit) {
		return res.fail("export manifest verification failed")
	}

	owner, err := identity.ImportFromDeployment(exported.EncryptedKeyBundle, passphrase)
	if err != nil {
		// Import errors are all ErrDecryption and carry no detail.
		return res.fail("key bundle could not be decrypted")
	}
	if withManifest && owner.Fingerprint != exported.PublicIdentity.Owner.Fingerprint {
		_ = owner.Destroy()
		return res.fail("key bundle does not match export manifest")
	}

	agent, err := newAgent(owner, cfg, logger)
	if err != nil {
		_ = owner.Destroy()
		return res.fail("creating agent: %v", err)
	}
	agent.keyBundle = exported.EncryptedKeyBundle
	res.Agent = agent
	res.AgentID = agent.AgentID()
	res.BondID = agent.engine.Bond().ID()

	if !agent.verifier.Verify(agent.engine.Bond(), owner.SigningKey, agent.agent.SigningKey) {
		return res.fail("bond verification failed after deployment")
	}
	if err := agent.engine.Permissions().Load(ctx); err != nil {
		return res.fail("loading persisted permissions: %v", err)
	}
	if withManifest {
		now := cfg.Clock()
		live := make([]*authz.DelegatedPermission, 0, len(exported.DelegatedPermissions))
		for _, p := range exported.DelegatedPermissions {
			if !p.Expired(now) {
				live = append(live, p)
			}
		}
		if err := agent.engine.Permissions().Restore(ctx, live); err != nil {
			return res.fail("restoring delegated permissions: %v", err)
		}
	}
	if err := agent.PersistState(ctx); err != nil {
		return res.fail("persisting agent state: %v", err)
	}

	agent.engine.MarkReady()
	res.Success = true
	logger.Info("agent deployed", "agent_id", res.AgentID, "environment", cfg.Environment.Name)
	return res
}

// Agent is a deployed, bonded agent instance.
type Agent struct {
	mu           sync.Mutex
	cfg          Config
	owner        *identity.OwnerKeyBundle
	ownerSession *identity.Session
	agent        *identity.AgentKeyBundle
	agentSession *identity.Session
	keyBundle    *identity.EncryptedKeyBundle
	engine       *authz.Engine
	verifier     *identity.BondVerifier
	deployedAt   time.Time
	logger       *slog.Logger
	audit        *slog.Logger
}

// newAgent generates agent keys, bonds them to owner, and builds a
// not-yet-ready engine. owner is owned by the returned Agent.
func newAgent(owner *identity.OwnerKeyBundle, cfg Config, logger *slog.Logger) (*Agent, error) {
	ownerSession, err := owner.Unlock()
	if err != nil {
		return nil, fmt.Errorf("unlocking owner keys: %w", err)
	}
	agentBundle, agentSession, bond, err := bondNewAgent(ownerSession, owner, cfg)
	if err != nil {
		ownerSession.Close()
		return nil, err
	}

	nonces := cfg.Nonces
	if nonces == nil {
		nonces = authz.NewDurableNonces(cfg.Store)
	}
	verifier := identity.NewBondVerifier(cfg.Audit).WithClock(cfg.Clock)
	engine, err := authz.NewEngine(cfg.Authorization, authz.Deps{
		Signer:      dualsig.New(ownerSession, agentSession, cfg.Logger).WithClock(cfg.Clock),
		Bond:        bond,
		Verifier:    verifier,
		Nonces:      nonces,
		Permissions: cfg.Store,
		Revocations: cfg.Store,
		Biometric:   cfg.Biometric,
		Notifier:    cfg.Notifier,
		Audit:       cfg.Audit,
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
	})
	if err != nil {
		agentSession.Close()
		_ = agentBundle.Destroy()
		ownerSession.Close()
		return nil, err
	}

	return &Agent{
		cfg:          cfg,
		owner:        owner,
		ownerSession: ownerSession,
		agent:        agentBundle,
		agentSession: agentSession,
		engine:       engine,
		verifier:     verifier,
		deployedAt:   cfg.Clock().UTC(),
		logger:       logger,
		audit:        cfg.Audit.With("component", "deploy"),
	}, nil
}

func bondNewAgent(ownerSession *identity.Session, owner *identity.OwnerKeyBundle, cfg Config) (*identity.AgentKeyBundle, *identity.Session, *identity.IdentityBond, error) {
	agentBundle, err := identity.GenerateAgentKeys(owner.SigningKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generating agent keys: %w", err)
	}
	bond, err := identity.CreateIdentityBond(ownerSession, agentBundle, identity.BondOptions{
		TTL:        cfg.BondTTL,
		Indefinite: cfg.IndefiniteBond,
		Now:        cfg.Clock,
	})
	if err != nil {
		_ = agentBundle.Destroy()
		return nil, nil, nil, fmt.Errorf("creating identity bond: %w", err)
	}
	agentSession, err := agentBundle.Unlock()
	if err != nil {
		_ = agentBundle.Destroy()
		return nil, nil, nil, fmt.Errorf("unlocking agent keys: %w", err)
	}
	return agentBundle, agentSession, bond, nil
}

// Engine returns the agent's authorization engine.
func (a *Agent) Engine() *authz.Engine { return a.engine }

// AgentID returns the current agent identifier.
func (a *Agent) AgentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agent.AgentID
}

// Public returns the publishable identity of the agent.
func (a *Agent) Public() PublicIdentity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publicLocked()
}

func (a *Agent) publicLocked() PublicIdentity {
	return PublicIdentity{
		Owner:              a.owner.Public(),
		AgentID:            a.agent.AgentID,
		AgentKey:           a.agent.SigningKey,
		AgentEncryptionKey: a.agent.EncryptionKey,
		Bond:               a.engine.Bond(),
		DeployedAt:         a.deployedAt,
	}
}

// ExportSovereignIdentity encrypts the owner keys under passphrase and
// signs a manifest of the public identity and live delegated permissions.
// The new key bundle replaces the one later manifests are built around.
func (a *Agent) ExportSovereignIdentity(ctx context.Context, passphrase string) (*ExportedSovereignIdentity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bundle, err := identity.ExportForDeployment(a.owner, passphrase, a.cfg.KDF)
	if err != nil {
		return nil, err
	}
	a.keyBundle = bundle
	return a.manifestLocked(ctx)
}

// Manifest signs a current manifest around the encrypted key bundle the
// agent was deployed from or last exported. It needs no passphrase, so it
// can run after every change to the identity or its permissions.
func (a *Agent) Manifest(ctx context.Context) (*ExportedSovereignIdentity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manifestLocked(ctx)
}

func (a *Agent) manifestLocked(ctx context.Context) (*ExportedSovereignIdentity, error) {
	if a.keyBundle == nil || a.keyBundle.Fingerprint != a.owner.Fingerprint {
		return nil, errors.New("no encrypted key bundle for the current owner keys")
	}
	perms := a.engine.Permissions().List()
	sortPermissions(perms)

	m := &ExportedSovereignIdentity{
		EncryptedKeyBundle:   a.keyBundle,
		PublicIdentity:       a.publicLocked(),
		DelegatedPermissions: perms,
		ExportedAt:           a.cfg.Clock().UTC(),
	}
	payload := m.SigningPayload()
	var err error
	if m.ExportSignature, err = a.ownerSession.Sign(payload); err != nil {
		return nil, fmt.Errorf("signing export manifest: %w", err)
	}
	if m.LedgerSignature, err = a.ownerSession.SignLedger(payload); err != nil {
		return nil, fmt.Errorf("counter-signing export manifest: %w", err)
	}
	a.audit.InfoContext(ctx, "sovereign identity exported",
		"agent_id", a.agent.AgentID,
		"fingerprint", a.keyBundle.Fingerprint,
		"permissions", len(perms),
	)
	return m, nil
}

// PersistState seals the agent keys to the owner and agent encryption keys
// and stores them.
func (a *Agent) PersistState(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persistLocked(ctx)
}

func (a *Agent) persistLocked(ctx context.Context) error {
	sealed, err := a.agent.Seal(a.owner.EncryptionKey, a.agent.EncryptionKey)
	if err != nil {
		return fmt.Errorf("sealing agent keys: %w", err)
	}
	// State the owner cannot open is useless for recovery.
	opened, err := identity.OpenAgentBundle(a.ownerSession, sealed)
	if err != nil {
		return fmt.Errorf("checking sealed agent keys: %w", err)
	}
	_ = opened.Destroy()
	if err := a.cfg.Store.SaveAgentState(ctx, a.agent.AgentID, sealed); err != nil {
		return fmt.Errorf("saving agent state: %w", err)
	}
	return nil
}

// Rekey replaces the agent keys and bond and revokes the old bond. The
// owner keys stay, so delegated permissions keep their signatures. The
// engine is not ready while it runs.
func (a *Agent) Rekey(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	wasReady := a.engine.Ready()
	a.engine.MarkNotReady("re-keying")
	abort := func(err error) error {
		if wasReady {
			a.engine.MarkReady()
		}
		return err
	}

	newBundle, newSession, bond, err := bondNewAgent(a.ownerSession, a.owner, a.cfg)
	if err != nil {
		return abort(err)
	}
	if !a.verifier.Verify(bond, a.owner.SigningKey, newBundle.SigningKey) {
		newSession.Close()
		_ = newBundle.Destroy()
		return abort(errors.New("new bond failed verification"))
	}
	old := a.engine.Bond()
	if err := a.revokeLocked(ctx, old, "rekeyed"); err != nil {
		newSession.Close()
		_ = newBundle.Destroy()
		return abort(err)
	}

	a.swapAgentLocked(newBundle, newSession, a.ownerSession, bond)

	// From here the old bond is revoked, so failures leave the engine closed.
	if err := a.persistLocked(ctx); err != nil {
		return err
	}
	a.engine.MarkReady()
	a.audit.InfoContext(ctx, "agent re-keyed", "previous_agent_id", old.AgentID, "agent_id", a.agent.AgentID)
	return nil
}

// RotateOwner replaces the owner keys. A new agent is bonded to the new
// owner, the old bond is revoked, and every delegated permission is
// re-signed. The new owner keys are encrypted under passphrase and the
// returned manifest supersedes every earlier export.
func (a *Agent) RotateOwner(ctx context.Context, passphrase string) (*ExportedSovereignIdentity, error) {
	if err := identity.CheckPassphrase(passphrase); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	wasReady := a.engine.Ready()
	a.engine.MarkNotReady("rotating owner keys")
	abort := func(err error) (*ExportedSovereignIdentity, error) {
		if wasReady {
			a.engine.MarkReady()
		}
		return nil, err
	}

	newOwner, err := identity.GenerateOwnerKeys(nil)
	if err != nil {
		return abort(fmt.Errorf("generating owner keys: %w", err))
	}
	newOwnerSession, err := newOwner.Unlock()
	if err != nil {
		_ = newOwner.Destroy()
		return abort(fmt.Errorf("unlocking owner keys: %w", err))
	}
	discardOwner := func() {
		newOwnerSession.Close()
		_ = newOwner.Destroy()
	}
	keyBundle, err := identity.ExportForDeployment(newOwner, passphrase, a.cfg.KDF)
	if err != nil {
		discardOwner()
		return abort(err)
	}
	newBundle, newSession, bond, err := bondNewAgent(newOwnerSession, newOwner, a.cfg)
	if err != nil {
		discardOwner()
		return abort(err)
	}
	if !a.verifier.Verify(bond, newOwner.SigningKey, newBundle.SigningKey) {
		newSession.Close()
		_ = newBundle.Destroy()
		discardOwner()
		return abort(errors.New("new bond failed verification"))
	}
	old := a.engine.Bond()
	if err := a.revokeLocked(ctx, old, "owner rotated"); err != nil {
		newSession.Close()
		_ = newBundle.Destroy()
		discardOwner()
		return abort(err)
	}

	previous := a.owner.Fingerprint
	oldOwner, oldOwnerSession := a.owner, a.ownerSession
	a.owner, a.ownerSession, a.keyBundle = newOwner, newOwnerSession, keyBundle
	a.swapAgentLocked(newBundle, newSession, newOwnerSession, bond)
	oldOwnerSession.Close()
	_ = oldOwner.Destroy()

	// The old bond is revoked and the old owner keys are gone, so failures
	// from here leave the engine closed.
	if err := a.engine.Permissions().Resign(ctx); err != nil {
		return nil, fmt.Errorf("re-signing permissions: %w", err)
	}
	if err := a.persistLocked(ctx); err != nil {
		return nil, err
	}
	a.engine.MarkReady()
	a.audit.WarnContext(ctx, "owner keys rotated",
		"previous_fingerprint", previous,
		"fingerprint", a.owner.Fingerprint,
		"agent_id", a.agent.AgentID,
	)
	return a.manifestLocked(ctx)
}

// swapAgentLocked installs a new agent and bond and wipes the old agent keys.
func (a *Agent) swapAgentLocked(bundle *identity.AgentKeyBundle, session, ownerSession *identity.Session, bond *identity.IdentityBond) {
	oldBundle, oldSession := a.agent, a.agentSession
	a.agent, a.agentSession = bundle, session
	a.engine.SetIdentity(dualsig.New(ownerSession, session, a.cfg.Logger).WithClock(a.cfg.Clock), bond)
	oldSession.Close()
	_ = oldBundle.Destroy()
}

func (a *Agent) revokeLocked(ctx context.Context, bond *identity.IdentityBond, reason string) error {
	if err := a.cfg.Store.RevokeBond(ctx, &store.BondRevocation{
		BondID:  bond.ID(),
		AgentID: bond.AgentID,
		Reason:  reason,
	}); err != nil {
		return fmt.Errorf("revoking bond: %w", err)
	}
	return nil
}

// RevokeBond revokes the current bond. The engine stops authorizing until
// the agent is re-keyed, the owner rotates, or the identity is redeployed.
func (a *Agent) RevokeBond(ctx context.Context, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bond := a.engine.Bond()
	a.engine.MarkNotReady("bond revoked")
	if err := a.revokeLocked(ctx, bond, reason); err != nil {
		return err
	}
	a.audit.WarnContext(ctx, "identity bond revoked", "agent_id", bond.AgentID, "bond_id", bond.ID(), "reason", reason)
	return nil
}

// Close stops authorization and wipes all key material.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.engine.MarkNotReady("agent closed")
	a.agentSession.Close()
	a.ownerSession.Close()
	return errors.Join(a.agent.Destroy(), a.owner.Destroy())
}
