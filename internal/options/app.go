// Package options provides configuration parsing and environment variable
// handling for the winsync replication engine.
package options

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	dirldap "github.com/netresearch/winsync-agreement/internal/ldap"
	"github.com/netresearch/winsync-agreement/internal/winsync"
)

// Opts holds all configuration for the winsyncd process: logging, the
// status server bind address, and the path to the agreements file.
type Opts struct {
	LogLevel zerolog.Level

	AgreementsPath string
	StatusAddr     string

	DefaultTimeout time.Duration
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

func validateRequired(name string, value *string) error {
	if *value == "" {
		return ValidationError{Field: name, Message: "this option is required"}
	}

	return nil
}

func envStringOrDefault(name, d string) string {
	if v, exists := os.LookupEnv(name); exists && v != "" {
		return v
	}

	return d
}

func envDurationOrDefault(name string, d time.Duration) (time.Duration, error) {
	raw := envStringOrDefault(name, d.String())

	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as duration: %v", raw, err),
		}
	}

	return v, nil
}

func envLogLevelOrDefault(name string, d zerolog.Level) (string, error) {
	raw := envStringOrDefault(name, d.String())

	if _, err := zerolog.ParseLevel(raw); err != nil {
		return "", ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as log level: %v", raw, err),
		}
	}

	return raw, nil
}

// Parse parses command-line flags and environment variables, loads from
// .env files, and validates required settings, mirroring the priority order
// flags > env > .env files > defaults.
func Parse() (*Opts, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	logLevelStr, err := envLogLevelOrDefault("LOG_LEVEL", zerolog.InfoLevel)
	if err != nil {
		return nil, err
	}

	defaultTimeout, err := envDurationOrDefault("WINSYNC_DEFAULT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	var (
		fLogLevel = flag.String("log-level", logLevelStr,
			"Log level. Valid values are: trace, debug, info, warn, error, fatal, panic.")

		fAgreementsPath = flag.String("agreements", envStringOrDefault("WINSYNC_AGREEMENTS_FILE", "agreements.yaml"),
			"Path to the YAML file describing the sync agreements to run.")

		fStatusAddr = flag.String("status-addr", envStringOrDefault("WINSYNC_STATUS_ADDR", ":8080"),
			"Listen address for the read-only status/health HTTP server.")

		fDefaultTimeout = flag.Duration("default-timeout", defaultTimeout,
			"Default per-operation LDAP timeout for agreements that don't override it.")
	)

	if !flag.Parsed() {
		flag.Parse()
	}

	logLevel, err := zerolog.ParseLevel(*fLogLevel)
	if err != nil {
		return nil, ValidationError{Field: "log-level", Message: err.Error()}
	}

	if err := validateRequired("agreements", fAgreementsPath); err != nil {
		return nil, err
	}

	return &Opts{
		LogLevel:       logLevel,
		AgreementsPath: *fAgreementsPath,
		StatusAddr:     *fStatusAddr,
		DefaultTimeout: *fDefaultTimeout,
	}, nil
}

// agreementFile is the on-disk shape of one entry in the agreements YAML
// file; LoadAgreements translates each into a winsync.Agreement.
type agreementFile struct {
	Name string `yaml:"name"`

	LocalSubtree  string `yaml:"local_subtree"`
	RemoteSubtree string `yaml:"remote_subtree"`

	Endpoint  string `yaml:"endpoint"`
	Transport string `yaml:"transport"` // plain | tls | starttls
	Timeout   string `yaml:"timeout"`

	BindDN           string `yaml:"bind_dn"`
	BindPassword     string `yaml:"bind_password"`
	Mechanism        string `yaml:"mechanism"` // simple | external | gssapi | digest-md5
	Realm            string `yaml:"realm"`
	KDCHost          string `yaml:"kdc_host"`
	ServicePrincipal string `yaml:"service_principal"`

	WinsyncDomain string `yaml:"winsync_domain"`
	Flavor        string `yaml:"flavor"` // nt4 | win2k3 | generic-ad

	CreateUsers  bool `yaml:"create_users"`
	CreateGroups bool `yaml:"create_groups"`

	OutOfScopeAction         string `yaml:"out_of_scope_action"` // delete | unsync
	DeleteUserOnLocalDelete  bool   `yaml:"delete_user_on_local_delete"`
	DeleteGroupOnLocalDelete bool   `yaml:"delete_group_on_local_delete"`

	AlwaysOpen bool `yaml:"always_open"`
}

// LoadAgreements reads and validates the agreements file referenced by
// opts.AgreementsPath, returning one winsync.Agreement per entry.
func LoadAgreements(opts *Opts) ([]*winsync.Agreement, error) {
	raw, err := os.ReadFile(opts.AgreementsPath)
	if err != nil {
		return nil, fmt.Errorf("reading agreements file %s: %w", opts.AgreementsPath, err)
	}

	var files []agreementFile
	if err := yaml.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("parsing agreements file %s: %w", opts.AgreementsPath, err)
	}

	out := make([]*winsync.Agreement, 0, len(files))

	for _, f := range files {
		agmt, err := f.toAgreement(opts.DefaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("agreement %q: %w", f.Name, err)
		}

		out = append(out, agmt)
	}

	return out, nil
}

func (f agreementFile) toAgreement(defaultTimeout time.Duration) (*winsync.Agreement, error) {
	if f.Name == "" {
		return nil, ValidationError{Field: "name", Message: "this option is required"}
	}

	timeout := defaultTimeout

	if f.Timeout != "" {
		parsed, err := time.ParseDuration(f.Timeout)
		if err != nil {
			return nil, ValidationError{Field: "timeout", Message: err.Error()}
		}

		timeout = parsed
	}

	mode, err := parseTransport(f.Transport)
	if err != nil {
		return nil, err
	}

	mech, err := parseMechanism(f.Mechanism)
	if err != nil {
		return nil, err
	}

	flavor, err := parseFlavor(f.Flavor)
	if err != nil {
		return nil, err
	}

	scopeAction := winsync.MoveDoesDelete
	if f.OutOfScopeAction == "unsync" {
		scopeAction = winsync.MoveDoesUnsync
	}

	return &winsync.Agreement{
		Name:          f.Name,
		LocalSubtree:  f.LocalSubtree,
		RemoteSubtree: f.RemoteSubtree,
		BindDN:        f.BindDN,
		BindPW:        f.BindPassword,
		Mechanism:     mech,
		Endpoint:      f.Endpoint,
		Transport:     winsync.TransportFlags{Mode: mode},
		Timeout:       timeout,
		WinsyncDomain: f.WinsyncDomain,
		Flavor:        flavor,
		Schedule:      winsync.Schedule{AlwaysOpen: f.AlwaysOpen},

		CreateUsers:  f.CreateUsers,
		CreateGroups: f.CreateGroups,

		OutOfScopeAction:         scopeAction,
		DeleteUserOnLocalDelete:  f.DeleteUserOnLocalDelete,
		DeleteGroupOnLocalDelete: f.DeleteGroupOnLocalDelete,
	}, nil
}

func parseTransport(s string) (dirldap.TransportMode, error) {
	switch s {
	case "", "plain":
		return dirldap.TransportPlain, nil
	case "tls":
		return dirldap.TransportTLS, nil
	case "starttls":
		return dirldap.TransportStartTLS, nil
	default:
		return 0, ValidationError{Field: "transport", Message: fmt.Sprintf("unknown transport %q", s)}
	}
}

func parseMechanism(s string) (dirldap.Mechanism, error) {
	switch s {
	case "", "simple":
		return dirldap.MechanismSimple, nil
	case "external":
		return dirldap.MechanismExternal, nil
	case "gssapi":
		return dirldap.MechanismGSSAPI, nil
	case "digest-md5":
		return dirldap.MechanismDigestMD5, nil
	default:
		return 0, ValidationError{Field: "mechanism", Message: fmt.Sprintf("unknown mechanism %q", s)}
	}
}

func parseFlavor(s string) (winsync.Flavor, error) {
	switch s {
	case "", "generic-ad":
		return winsync.FlavorGenericAD, nil
	case "nt4":
		return winsync.FlavorNT4, nil
	case "win2k3":
		return winsync.FlavorWin2k3, nil
	default:
		return 0, ValidationError{Field: "flavor", Message: fmt.Sprintf("unknown flavor %q", s)}
	}
}
