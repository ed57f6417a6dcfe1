// ABOUTME: Entry point for the sovereign agent: key generation, inspection, serving, and API tokens
// ABOUTME: Deploys the owner's exported identity and serves the authorization gateway

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-sovereign/internal/audit"
	"github.com/2389/coven-sovereign/internal/auth"
	"github.com/2389/coven-sovereign/internal/authz"
	"github.com/2389/coven-sovereign/internal/biometric"
	"github.com/2389/coven-sovereign/internal/config"
	"github.com/2389/coven-sovereign/internal/deploy"
	"github.com/2389/coven-sovereign/internal/gateway"
	"github.com/2389/coven-sovereign/internal/identity"
	"github.com/2389/coven-sovereign/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
  ___  _____   _____ _ __ ___(_) __ _ _ __
 / __|/ _ \ \ / / _ \ '__/ _ \ |/ _' | '_ \
 \__ \ (_) \ V /  __/ | |  __/ | (_| | | | |
 |___/\___/ \_/ \___|_|  \___|_|\__, |_| |_|
                                |___/
`

// getConfigPath returns the path to the config file.
// Priority: SOVEREIGN_CONFIG env var > XDG_CONFIG_HOME/coven/sovereign.yaml > ~/.config/coven/sovereign.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SOVEREIGN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "sovereign.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "sovereign.yaml")
}

// getDataPath returns the path to the data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven-sovereign")
}

func usage() {
	fmt.Println("Usage: sovereign <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                          Generate owner keys and write the encrypted identity bundle")
	fmt.Println("  inspect [FILE]                Show the public identity in a bundle or export")
	fmt.Println("  serve                         Deploy the identity and serve the authorization API")
	fmt.Println("  rotate                        Replace the owner keys and re-sign every delegated permission")
	fmt.Println("  token --role ROLE --name NAME Mint an API token (role: owner or automation)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit()
	case "inspect":
		err = runInspect(os.Args[2:])
	case "serve":
		err = runServe(ctx)
	case "rotate":
		err = runRotate(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// readPassphrase takes the passphrase from SOVEREIGN_PASSPHRASE or stdin.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv("SOVEREIGN_PASSPHRASE"); p != "" {
		return p, nil
	}
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeFileAtomic writes data to a temp file beside path and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sovereign-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// loadOrCreateConfig loads the config, writing a fresh one with a random
// JWT secret when none exists.
func loadOrCreateConfig(configPath string) (*config.Config, bool, error) {
	if _, err := os.Stat(configPath); err == nil {
		cfg, err := config.Load(configPath)
		return cfg, false, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, false, fmt.Errorf("generating JWT secret: %w", err)
	}
	dataPath := getDataPath()
	content := fmt.Sprintf(`# sovereign agent configuration
server:
  http_addr: "127.0.0.1:8480"
  grpc_addr: "127.0.0.1:8481"

database:
  path: %q

auth:
  jwt_secret: %q

identity:
  bundle_path: %q
  bond_ttl: "720h"

deployment:
  environment: "local"
  capabilities: ["sqlite", "mlock"]
  required_capabilities: ["sqlite"]

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "sovereign.db"), base64.StdEncoding.EncodeToString(secret), filepath.Join(dataPath, "identity.json"))

	if err := writeFileAtomic(configPath, []byte(content), 0o600); err != nil {
		return nil, false, fmt.Errorf("writing config: %w", err)
	}
	cfg, err := config.Load(configPath)
	return cfg, true, err
}

func runInit() error {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	configPath := getConfigPath()
	cfg, created, err := loadOrCreateConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if created {
		green.Print("✓ ")
		fmt.Printf("Created config: %s\n", configPath)
	}

	bundlePath := cfg.Identity.BundlePath
	if _, err := os.Stat(bundlePath); err == nil {
		return fmt.Errorf("identity bundle already exists at %s", bundlePath)
	}

	passphrase, err := readPassphrase("Passphrase for the identity bundle: ")
	if err != nil {
		return err
	}
	if err := identity.CheckPassphrase(passphrase); err != nil {
		return err
	}

	owner, err := identity.GenerateOwnerKeys(nil)
	if err != nil {
		return fmt.Errorf("generating owner keys: %w", err)
	}
	defer func() { _ = owner.Destroy() }()

	enc, err := identity.ExportForDeployment(owner, passphrase, cfg.KDFParams())
	if err != nil {
		return fmt.Errorf("encrypting identity bundle: %w", err)
	}
	data, err := json.MarshalIndent(&deploy.ExportedSovereignIdentity{EncryptedKeyBundle: enc}, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(bundlePath, data, 0o600); err != nil {
		return fmt.Errorf("writing identity bundle: %w", err)
	}

	pub := owner.Public()
	green.Print("✓ ")
	fmt.Printf("Wrote identity bundle: %s\n", bundlePath)
	fmt.Print("  Fingerprint: ")
	cyan.Println(pub.Fingerprint)
	printOwnerKey("  ", pub)
	fmt.Println()
	yellow.Println("Keep the passphrase safe. Without it the bundle cannot be deployed.")
	return nil
}

func runInspect(args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	} else {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		path = cfg.Identity.BundlePath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}
	var exported deploy.ExportedSovereignIdentity
	if err := json.Unmarshal(data, &exported); err != nil {
		return fmt.Errorf("parsing bundle: %w", err)
	}
	if exported.EncryptedKeyBundle == nil {
		return errors.New("file does not contain an encrypted key bundle")
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	b := exported.EncryptedKeyBundle
	fmt.Printf("Fingerprint: %s\n", b.Fingerprint)
	fmt.Printf("Encryption:  %s (argon2id t=%d m=%dKiB p=%d)\n", b.Algorithm, b.KDF.Time, b.KDF.MemoryKiB, b.KDF.Threads)
	if !b.KDF.Valid() {
		red.Println("KDF:         parameters out of range; this bundle will not import")
	}

	if exported.ExportSignature == nil {
		gray.Println("Bare bundle: no agent, bond, or permissions exported yet.")
		return nil
	}

	pub := exported.PublicIdentity
	fmt.Printf("Exported:    %s\n", exported.ExportedAt.Format(time.RFC3339))
	fmt.Printf("Agent:       %s\n", pub.AgentID)
	printOwnerKey("", pub.Owner)
	if pub.Bond != nil && pub.Bond.ExpiresAt != nil {
		fmt.Printf("Bond until:  %s\n", pub.Bond.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("Permissions: %d\n", len(exported.DelegatedPermissions))
	for _, p := range exported.DelegatedPermissions {
		fmt.Printf("  - %s (limit %.2f, until %s)\n", p.ActionType, p.SpendingLimit, p.ExpiresAt.Format(time.RFC3339))
	}

	if deploy.VerifyExport(&exported) {
		green.Println("Signature:   valid")
	} else {
		red.Println("Signature:   INVALID")
	}
	if len(exported.LedgerSignature) > 0 {
		gray.Println("Ledger:      secp256k1 counter-signature present")
	}
	return nil
}

func runToken(args []string) error {
	var role, name string
	ttl := 30 * 24 * time.Hour
	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			if k, v, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(k, "--") {
				return v, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			i++
			return args[i], nil
		}
		var err error
		switch key, _, _ := strings.Cut(arg, "="); key {
		case "--role":
			role, err = value()
		case "--name":
			name, err = value()
		case "--ttl":
			var raw string
			if raw, err = value(); err == nil {
				ttl, err = time.ParseDuration(raw)
			}
		default:
			return fmt.Errorf("unknown argument: %s", arg)
		}
		if err != nil {
			return err
		}
	}
	if name = strings.TrimSpace(name); name == "" {
		return errors.New("--name is required")
	}
	if !auth.Role(role).Valid() {
		return fmt.Errorf("--role must be %q or %q", auth.RoleOwner, auth.RoleAutomation)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(name, auth.Role(role), ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Environment: %s\n", cfg.Deployment.Environment)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale:   ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()
	auditLogger := audit.NewLogger(logger.Handler(), st)

	bio, err := biometric.New(biometric.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	}, st, logger)
	if err != nil {
		return err
	}
	defer bio.Close()

	approvals := gateway.NewApprovalQueue(100, logger)

	dcfg := deployConfig(cfg, st, logger, auditLogger)
	dcfg.Biometric = bio
	dcfg.Notifier = approvals
	if cfg.Authorization.NonceStore == config.NonceStoreMemory {
		mem := authz.NewMemoryNonceStore(cfg.Authorization.NonceRetention, cfg.Authorization.NonceCacheSize, logger)
		defer mem.Close()
		dcfg.Nonces = mem
	}

	res, err := deployIdentity(ctx, cfg, dcfg)
	if err != nil {
		return err
	}
	agent := res.Agent
	defer func() { _ = agent.Close() }()

	green.Print("    ✓ ")
	fmt.Printf("Deployed agent %s (bond %s)\n\n", res.AgentID, res.BondID)

	gw, err := gateway.New(cfg, gateway.Options{
		Agent:     agent,
		Biometric: bio,
		Approvals: approvals,
		OnChange: func(ctx context.Context) error {
			m, err := agent.Manifest(ctx)
			if err != nil {
				return err
			}
			return writeExport(cfg.Identity.BundlePath, m)
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runRotate(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	res, err := deployIdentity(ctx, cfg, deployConfig(cfg, st, logger, audit.NewLogger(logger.Handler(), st)))
	if err != nil {
		return err
	}
	agent := res.Agent
	defer func() { _ = agent.Close() }()
	previous := agent.Public().Owner.Fingerprint

	passphrase, err := readPassphrase("Passphrase for the rotated identity bundle: ")
	if err != nil {
		return err
	}
	exported, err := agent.RotateOwner(ctx, passphrase)
	if err != nil {
		return fmt.Errorf("rotating owner keys: %w", err)
	}
	if err := writeExport(cfg.Identity.BundlePath, exported); err != nil {
		return fmt.Errorf("writing identity bundle: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	green.Print("✓ ")
	fmt.Printf("Rotated owner keys: %s\n", cfg.Identity.BundlePath)
	fmt.Printf("  Previous:    %s\n", previous)
	fmt.Print("  Fingerprint: ")
	cyan.Println(exported.PublicIdentity.Owner.Fingerprint)
	printOwnerKey("  ", exported.PublicIdentity.Owner)
	fmt.Printf("  Permissions: %d re-signed\n", len(exported.DelegatedPermissions))
	return nil
}

// deployConfig maps the configuration onto a deployment against st.
func deployConfig(cfg *config.Config, st store.Store, logger, auditLogger *slog.Logger) deploy.Config {
	return deploy.Config{
		Environment:          deploy.Environment{Name: cfg.Deployment.Environment, Capabilities: cfg.Deployment.Capabilities},
		RequiredCapabilities: cfg.Deployment.RequiredCapabilities,
		BondTTL:              cfg.Identity.BondTTL,
		IndefiniteBond:       cfg.Identity.AllowIndefiniteBonds,
		KDF:                  cfg.KDFParams(),
		Authorization:        cfg.AuthzConfig(),
		Store:                st,
		Logger:               logger,
		Audit:                auditLogger,
	}
}

// deployIdentity deploys the configured bundle and immediately rewrites it
// as a signed export under the same passphrase. The passphrase does not
// outlive this call; later exports reuse the encrypted key bundle.
func deployIdentity(ctx context.Context, cfg *config.Config, dcfg deploy.Config) (*deploy.DeploymentResult, error) {
	data, err := os.ReadFile(cfg.Identity.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("reading identity bundle (run `sovereign init` first): %w", err)
	}
	var exported deploy.ExportedSovereignIdentity
	if err := json.Unmarshal(data, &exported); err != nil {
		return nil, fmt.Errorf("parsing identity bundle: %w", err)
	}
	passphrase, err := readPassphrase("Identity passphrase: ")
	if err != nil {
		return nil, err
	}

	res := deploy.DeploySovereignAgent(ctx, &exported, passphrase, dcfg)
	if !res.Success {
		if res.Agent != nil {
			_ = res.Agent.Close()
		}
		return nil, fmt.Errorf("deployment failed: %s", strings.Join(res.Errors, "; "))
	}

	m, err := res.Agent.ExportSovereignIdentity(ctx, passphrase)
	if err == nil {
		err = writeExport(cfg.Identity.BundlePath, m)
	}
	if err != nil {
		_ = res.Agent.Close()
		return nil, fmt.Errorf("saving identity export: %w", err)
	}
	return res, nil
}

// printOwnerKey prints the owner key as an authorized_keys line and the
// fingerprint OpenSSH shows for it.
func printOwnerKey(indent string, owner identity.OwnerPublicIdentity) {
	if line, err := owner.AuthorizedKey(); err == nil {
		fmt.Printf("%sOwner key:   %s\n", indent, line)
	}
	if fp, err := identity.SSHFingerprint(owner.SigningKey); err == nil {
		fmt.Printf("%sSSH:         %s\n", indent, fp)
	}
}

func writeExport(path string, exported *deploy.ExportedSovereignIdentity) error {
	data, err := json.MarshalIndent(exported, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}
