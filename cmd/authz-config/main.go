package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/squealx"

	authz "github.com/oarkflow/clinicauthz"
	"github.com/oarkflow/clinicauthz/logger"
	"github.com/oarkflow/clinicauthz/stores"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}
	var err error
	switch args[0] {
	case "convert":
		err = handleConvert(args[1:], stdout)
	case "validate":
		err = handleValidate(args[1:], stdout)
	case "stats":
		err = handleStats(args[1:], stdout)
	case "apply":
		err = handleApply(args[1:], stdout)
	case "check":
		err = handleCheck(args[1:], stdout)
	case "filters":
		err = handleFilters(args[1:], stdout)
	case "serve":
		err = handleServe(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "authz-config - configuration tool for the clinical authorization engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  authz-config convert <input> <output>       convert between YAML and JSON")
	fmt.Fprintln(w, "  authz-config validate <file>                validate a configuration")
	fmt.Fprintln(w, "  authz-config stats <file>                   show configuration statistics")
	fmt.Fprintln(w, "  authz-config apply <file> [--sqlite path]   apply a configuration to an engine")
	fmt.Fprintln(w, "  authz-config check [flags]                  evaluate one authorization request")
	fmt.Fprintln(w, "  authz-config filters [flags]                show the search filters for a caller")
	fmt.Fprintln(w, "  authz-config serve [flags]                  run the admin HTTP server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Supported formats: .yaml, .yml, .json")
}

// storeFlags selects the persistence backends shared by apply, check and
// serve. Empty values mean in-memory stores.
type storeFlags struct {
	sqlitePath string
	redisAddr  string
	redisKeyNS string
}

func (s *storeFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&s.sqlitePath, "sqlite", "", "persist roles, policies, consents and audit records in this SQLite file")
	fs.StringVar(&s.redisAddr, "redis", "", "keep consent records in Redis at this address")
	fs.StringVar(&s.redisKeyNS, "redis-prefix", "", "key prefix for Redis consent records")
}

type backends struct {
	roles    authz.RoleStore
	policies authz.PolicyStore
	consents authz.ConsentStore
	audits   authz.AuditStore
	closers  []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func (s *storeFlags) open() (*backends, error) {
	b := &backends{}
	if s.sqlitePath != "" {
		sqlDB, err := sql.Open("sqlite", s.sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		b.closers = append(b.closers, sqlDB.Close)
		db := squealx.NewDb(sqlDB, "sqlite", "authz")
		if err := stores.Migrate(db); err != nil {
			b.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		audits, err := stores.NewSQLAuditStore(db)
		if err != nil {
			b.close()
			return nil, err
		}
		b.roles = stores.NewSQLRoleStore(db)
		b.policies = stores.NewSQLPolicyStore(db)
		b.consents = stores.NewSQLConsentStore(db)
		b.audits = audits
	}
	if s.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: s.redisAddr})
		b.closers = append(b.closers, client.Close)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("redis %s: %w", s.redisAddr, err)
		}
		cs := stores.NewRedisConsentStore(client)
		if s.redisKeyNS != "" {
			cs.WithKeyPrefix(s.redisKeyNS)
		}
		b.consents = cs
	}
	return b, nil
}

func (b *backends) engine(opts ...authz.EngineOption) (*authz.Engine, error) {
	return authz.NewEngine(b.roles, b.policies, b.consents, b.audits, opts...)
}

func loadConfig(filename string) (*authz.Config, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml", ".json":
		return authz.NewConfigLoader().LoadFile(filename)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *authz.Config, filename string) error {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func handleConvert(args []string, stdout io.Writer) error {
	if len(args) < 2 {
		return errors.New("usage: authz-config convert <input> <output>")
	}
	cfg, err := loadConfig(args[0])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}
	if err := saveConfig(cfg, args[1]); err != nil {
		return fmt.Errorf("save %s: %w", args[1], err)
	}
	fmt.Fprintf(stdout, "Converted %s -> %s\n", args[0], args[1])
	return nil
}

func handleValidate(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return errors.New("usage: authz-config validate <file>")
	}
	cfg, err := loadConfig(args[0])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintln(stdout, "Configuration is valid")
	fmt.Fprintf(stdout, "  Version:  %d\n", cfg.Version)
	fmt.Fprintf(stdout, "  Roles:    %d\n", len(cfg.Roles))
	fmt.Fprintf(stdout, "  Policies: %d\n", len(cfg.Policies))
	fmt.Fprintf(stdout, "  Consents: %d\n", len(cfg.Consents))
	return nil
}

func handleStats(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return errors.New("usage: authz-config stats <file>")
	}
	cfg, err := loadConfig(args[0])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}

	fmt.Fprintln(stdout, "Configuration Statistics")
	fmt.Fprintln(stdout, "========================")
	if stat, err := os.Stat(args[0]); err == nil {
		fmt.Fprintf(stdout, "File size: %d bytes\n", stat.Size())
	}
	fmt.Fprintf(stdout, "Version: %d\n\n", cfg.Version)

	if len(cfg.Roles) > 0 {
		scopes := 0
		for _, r := range cfg.Roles {
			scopes += len(r.Scopes)
		}
		fmt.Fprintln(stdout, "Roles:")
		fmt.Fprintf(stdout, "  Count:         %d\n", len(cfg.Roles))
		fmt.Fprintf(stdout, "  Total scopes:  %d\n", scopes)
		fmt.Fprintf(stdout, "  Avg per role:  %.1f\n\n", float64(scopes)/float64(len(cfg.Roles)))
	}

	if len(cfg.Policies) > 0 {
		allow, deny, disabled := 0, 0, 0
		for _, p := range cfg.Policies {
			if p.Effect == authz.EffectAllow {
				allow++
			} else {
				deny++
			}
			if !p.Enabled {
				disabled++
			}
		}
		fmt.Fprintln(stdout, "Policies:")
		fmt.Fprintf(stdout, "  Allow:    %d\n", allow)
		fmt.Fprintf(stdout, "  Deny:     %d\n", deny)
		fmt.Fprintf(stdout, "  Disabled: %d\n\n", disabled)
	}

	if len(cfg.Consents) > 0 {
		active, windowed := 0, 0
		for _, c := range cfg.Consents {
			if c.Active {
				active++
			}
			if c.ValidFrom != nil || c.ValidUntil != nil {
				windowed++
			}
		}
		fmt.Fprintln(stdout, "Consents:")
		fmt.Fprintf(stdout, "  Records:      %d\n", len(cfg.Consents))
		fmt.Fprintf(stdout, "  Active:       %d\n", active)
		fmt.Fprintf(stdout, "  Time-bounded: %d\n\n", windowed)
	}

	fmt.Fprintln(stdout, "Engine Configuration:")
	fmt.Fprintf(stdout, "  Decision cache TTL:    %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Fprintf(stdout, "  Audit buffer:          %d\n", cfg.Engine.AuditBuffer)
	fmt.Fprintf(stdout, "  Require resource data: %t\n", cfg.Engine.RequireResourceData)
	return nil
}

func handleApply(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("apply", pflag.ContinueOnError)
	var sf storeFlags
	sf.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: authz-config apply <file> [--sqlite path]")
	}
	cfg, err := loadConfig(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("load %s: %w", fs.Arg(0), err)
	}
	b, err := sf.open()
	if err != nil {
		return err
	}
	defer b.close()
	engine, err := b.engine(authz.WithSyncAudit())
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	fmt.Fprintln(stdout, "Configuration applied successfully")
	fmt.Fprintf(stdout, "  Roles loaded:    %d\n", len(cfg.Roles))
	fmt.Fprintf(stdout, "  Policies loaded: %d\n", len(cfg.Policies))
	fmt.Fprintf(stdout, "  Consents loaded: %d\n", len(cfg.Consents))
	return nil
}

// contextFlags builds an AuthContext from command-line flags.
type contextFlags struct {
	user      string
	roles     []string
	org       string
	emergency bool
	overrides []string
}

func (c *contextFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&c.user, "user", "", "caller id")
	fs.StringSliceVar(&c.roles, "role", nil, "caller role (repeatable)")
	fs.StringVar(&c.org, "org", "", "caller organization id")
	fs.BoolVar(&c.emergency, "emergency", false, "request emergency access")
	fs.StringSliceVar(&c.overrides, "consent-override", nil, "patient ids whose consent is overridden")
}

func (c *contextFlags) context() *authz.AuthContext {
	roles := make([]authz.Role, len(c.roles))
	for i, r := range c.roles {
		roles[i] = authz.Role(r)
	}
	return &authz.AuthContext{
		UserID:           c.user,
		Roles:            roles,
		OrganizationID:   c.org,
		EmergencyAccess:  c.emergency,
		ConsentOverrides: c.overrides,
		SessionID:        "cli",
	}
}

func handleCheck(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	var (
		sf         storeFlags
		cf         contextFlags
		configPath string
		request    string
		resType    string
		action     string
		resID      string
		data       string
	)
	sf.add(fs)
	cf.add(fs)
	fs.StringVar(&configPath, "config", "", "configuration to apply before evaluating")
	fs.StringVar(&request, "request", "", "full request as JSON; overrides the other request flags")
	fs.StringVar(&resType, "type", "", "resource type")
	fs.StringVar(&action, "action", string(authz.ActionRead), "action")
	fs.StringVar(&resID, "id", "", "resource id")
	fs.StringVar(&data, "data", "", "resource snapshot as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := &authz.Request{
		Context:      cf.context(),
		ResourceType: resType,
		Action:       authz.Action(action),
		ResourceID:   resID,
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &req.ResourceData); err != nil {
			return fmt.Errorf("--data: %w", err)
		}
	}
	if request != "" {
		req = &authz.Request{}
		if err := json.Unmarshal([]byte(request), req); err != nil {
			return fmt.Errorf("--request: %w", err)
		}
	}

	engine, cleanup, err := buildEngine(sf, configPath, authz.WithSyncAudit())
	if err != nil {
		return err
	}
	defer cleanup()

	dec := engine.Authorize(context.Background(), req)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(dec)
}

func handleFilters(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("filters", pflag.ContinueOnError)
	var (
		cf      contextFlags
		resType string
	)
	cf.add(fs)
	fs.StringVar(&resType, "type", "", "resource type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if resType == "" {
		return errors.New("--type is required")
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(authz.DeriveFilters(cf.context(), resType))
}

func buildEngine(sf storeFlags, configPath string, opts ...authz.EngineOption) (*authz.Engine, func(), error) {
	var cfg *authz.Config
	if configPath != "" {
		var err error
		if cfg, err = loadConfig(configPath); err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", configPath, err)
		}
		opts = append(cfg.Engine.Options(), opts...)
	}
	b, err := sf.open()
	if err != nil {
		return nil, nil, err
	}
	engine, err := b.engine(opts...)
	if err != nil {
		b.close()
		return nil, nil, err
	}
	cleanup := func() {
		engine.Close()
		b.close()
	}
	if cfg != nil {
		if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("apply: %w", err)
		}
	}
	return engine, cleanup, nil
}

func handleServe(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	var (
		sf         storeFlags
		configPath string
		addr       string
	)
	sf.add(fs)
	fs.StringVar(&configPath, "config", "", "configuration to apply at startup")
	fs.StringVar(&addr, "addr", ":8089", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	metrics, err := authz.NewMetrics(nil)
	if err != nil {
		return err
	}
	engine, cleanup, err := buildEngine(sf, configPath,
		authz.WithMetrics(metrics),
		authz.WithLogger(logger.NewPhusluLogger("authz")),
	)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              addr,
		Handler:           authz.NewAdminHTTPServer(engine),
		ReadHeaderTimeout: 5 * time.Second,
	}
	fmt.Fprintf(stdout, "authz admin server listening on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
