package bridge

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the process-wide configuration for a tunnelbridge host or
// instance process. The env struct tag contains the environment variable name
// and the default value if missing, or empty (if not ?=). All string arrays
// are comma-separated. Modeled on pkg/atlas.Config, trimmed of the options
// (systemd credentials, log file ownership) that don't apply to a bridge
// process running as an unprivileged CLI tool.
type Config struct {
	// The node identity private key file. If it doesn't exist, a new keypair
	// is generated and written there on first run.
	IdentityFile string `env:"TUNNELBRIDGE_IDENTITY_FILE?=tunnelbridge.key"`

	// The ALPN identifying this bridge's wire protocol version.
	ALPN string `env:"TUNNELBRIDGE_ALPN?=tunnelbridge/1"`

	// The address to bind the QUIC transport to. If the port is 0, a random
	// one is chosen.
	ListenAddr netip.AddrPort `env:"TUNNELBRIDGE_LISTEN_ADDR=:0"`

	// Per-client channel capacity, bounding how many host-side frames may
	// queue for a single TCP client before the reader loop blocks (spec §5).
	ClientChanCapacity int `env:"TUNNELBRIDGE_CLIENT_CHAN_CAPACITY=4096"`

	// Idle time-to-live for instance-side UDP flow cache entries.
	UDPFlowIdleTTL time.Duration `env:"TUNNELBRIDGE_UDP_FLOW_IDLE_TTL=300s"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"TUNNELBRIDGE_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"TUNNELBRIDGE_LOG_STDOUT=true"`

	// Whether to use pretty (console-writer) logs.
	LogStdoutPretty bool `env:"TUNNELBRIDGE_LOG_STDOUT_PRETTY=true"`

	// The log file to output to, if provided.
	LogFile string `env:"TUNNELBRIDGE_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"TUNNELBRIDGE_LOG_FILE_LEVEL=info"`

	// The address to serve Prometheus-format metrics on. If empty, metrics
	// are not served over HTTP.
	MetricsAddr string `env:"TUNNELBRIDGE_METRICS_ADDR"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment variable
// entries into c, setting default values for any not present. If incremental
// is true, default values are not applied for missing vars, only for vars
// present with an empty value.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "TUNNELBRIDGE_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else if v, err1 := netip.ParseAddrPort("[::]" + val); val[0] == ':' && err1 == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
