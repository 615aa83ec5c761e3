package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix = "DNSTEST_"
	// ConfigFileEnv names the optional configuration file layered between
	// the defaults and the environment.
	ConfigFileEnv = envPrefix + "CONFIG_FILE"
)

// Params holds the harness parameters shared by every server instance.
type Params struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls console verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// TestDir is the root under which every server gets its working directory.
	TestDir string `koanf:"test_dir" validate:"required"`

	// Addr is the address servers listen on, either an IP or a unix socket path.
	Addr string `koanf:"addr" validate:"required,ip_addr_or_socket"`

	// IP is the address family of Addr.
	IP int `koanf:"ip" validate:"oneof=4 6"`

	// Kind selects the server implementation driven by dnstestd.
	Kind string `koanf:"kind" validate:"required,oneof=knot bind dummy"`

	KnotBin       string   `koanf:"knot_bin"`
	KnotCtl       string   `koanf:"knot_ctl"`
	BindBin       string   `koanf:"bind_bin"`
	BindCtl       string   `koanf:"bind_ctl"`
	KeygenBin     string   `koanf:"keygen_bin"`
	KnsupdateBin  string   `koanf:"knsupdate_bin"`
	GdbBin        string   `koanf:"gdb_bin"`
	VgdbBin       string   `koanf:"vgdb_bin"`
	ValgrindBin   string   `koanf:"valgrind_bin"`
	DnssecVerify  string   `koanf:"dnssec_verify_bin"`
	LdnsVerify    string   `koanf:"ldns_verify_bin"`
	LsofBin       string   `koanf:"lsof_bin"`
	ValgrindFlags []string `koanf:"valgrind_flags"`

	// Instrumented marks a slow build (valgrind, sanitizers) and stretches
	// settle delays and polling budgets.
	Instrumented bool `koanf:"instrumented"`

	// Stress starts the background observer alongside each server.
	Stress bool `koanf:"stress"`

	// Seed drives the random transport and updater choices. Zero picks a
	// seed from the clock.
	Seed int64 `koanf:"seed"`

	PortMin int `koanf:"port_min" validate:"required,gte=1024,lt=65535"`
	PortMax int `koanf:"port_max" validate:"required,port_range,lte=65535"`

	// OutcomeDB is the bbolt file accumulating teardown failures. Empty keeps
	// them in memory.
	OutcomeDB string `koanf:"outcome_db"`

	// CheckLog and DetailLog receive the terse and the verbose transcript of
	// a run. Empty paths default to check.log and detail.log in TestDir,
	// "-" disables the file.
	CheckLog  string `koanf:"check_log"`
	DetailLog string `koanf:"detail_log"`
}

// LogFiles returns the check and detail log paths in effect. A disabled
// log is returned as "".
func (p *Params) LogFiles() (check, detail string) {
	return logFile(p.CheckLog, p.TestDir, "check.log"), logFile(p.DetailLog, p.TestDir, "detail.log")
}

func logFile(path, dir, name string) string {
	switch path {
	case "":
		return filepath.Join(dir, name)
	case "-":
		return ""
	}
	return path
}

// DEFAULT_PARAMS defines the parameters used when nothing else is configured.
var DEFAULT_PARAMS = Params{
	Env:           "prod",
	LogLevel:      "info",
	TestDir:       filepath.Join(os.TempDir(), "dnstest"),
	Addr:          "127.0.0.1",
	IP:            4,
	Kind:          "knot",
	KnotBin:       "knotd",
	KnotCtl:       "knotc",
	BindBin:       "named",
	BindCtl:       "rndc",
	KeygenBin:     "dnssec-keygen",
	KnsupdateBin:  "knsupdate",
	GdbBin:        "gdb",
	VgdbBin:       "vgdb",
	ValgrindBin:   "valgrind",
	DnssecVerify:  "dnssec-verify",
	LdnsVerify:    "ldns-verify-zone",
	LsofBin:       "lsof",
	ValgrindFlags: []string{"--leak-check=full", "--vgdb=yes"},
	PortMin:       10000,
	PortMax:       60000,
}

// validAddrOrSocket accepts an IP address or an absolute unix socket path.
func validAddrOrSocket(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	if strings.HasPrefix(addr, "/") {
		return true
	}
	return net.ParseIP(addr) != nil
}

// validPortRange requires PortMax to lie strictly above PortMin.
func validPortRange(fl validator.FieldLevel) bool {
	min := fl.Parent().FieldByName("PortMin")
	if !min.IsValid() {
		return false
	}
	return fl.Field().Int() > min.Int()
}

// envLoader loads environment variables with the prefix "DNSTEST_".
// Values containing spaces or commas become lists. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			value = strings.TrimSpace(value)

			if key == "config_file" {
				return "", nil
			}
			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_PARAMS using the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_PARAMS, "koanf"), nil)
}

// fileLoader loads path with the parser matching its extension.
var fileLoader = func(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return fmt.Errorf("unsupported config file extension: %s", path)
	}
	return k.Load(file.Provider(path), parser)
}

// registerValidation registers the custom validations used by Params.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_addr_or_socket", validAddrOrSocket); err != nil {
		return err
	}
	return v.RegisterValidation("port_range", validPortRange)
}

// Load builds Params from defaults, the optional file named by
// DNSTEST_CONFIG_FILE and the environment, then validates the result.
func Load() (*Params, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var p Params
	if err := k.Unmarshal("", &p); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&p)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &p, nil
}
