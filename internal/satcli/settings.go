package satcli

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MrWong99/dawn/pkg/dap2"
	"github.com/MrWong99/dawn/pkg/satellite"
)

// Setting keys. Flags use the same names with dashes.
const (
	keyConfig         = "config"
	keyDaemonAddr     = "daemon_addr"
	keyTransport      = "transport"
	keyIdentityFile   = "identity_file"
	keyHardwareAddr   = "hardware_addr"
	keyName           = "name"
	keyLocation       = "location"
	keyTier           = "tier"
	keyWakeWord       = "wake_word"
	keyTLS            = "tls"
	keyBackoffInitial = "backoff_initial"
	keyBackoffMax     = "backoff_max"
	keyLogLevel       = "log_level"
)

const (
	configDirName  = "dawn"
	configFileName = "satellite.toml"
	identityName   = "identity.toml"
)

// settings is the resolved satellite configuration.
type settings struct {
	DaemonAddr     string
	Transport      satellite.Transport
	IdentityFile   string
	HardwareAddr   string
	Name           string
	Location       string
	Tier           dap2.Tier
	WakeWord       string
	TLS            bool
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func defaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, configDirName)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "TOML config file (default "+filepath.Join(defaultDir(), configFileName)+")")
	flags.String("daemon-addr", "localhost:7700", "dawnd address (host:port, or ws:// URL for websocket)")
	flags.String("transport", string(satellite.TransportTCP), "transport: tcp or websocket")
	flags.String("identity-file", filepath.Join(defaultDir(), identityName), "TOML file holding this satellite's identity")
	flags.String("hardware-addr", "", "derive the identity from this MAC address instead of the identity file")
	flags.String("name", "", "display name announced at registration")
	flags.String("location", "", "room or area of this satellite")
	flags.String("tier", string(dap2.TierFull), "processing tier: full or audio")
	flags.String("wake-word", "", "phrase every query must start with (empty: none)")
	flags.Bool("tls", false, "connect with TLS using the system roots")
	flags.Duration("backoff-initial", satellite.DefaultBackoffInitial, "first reconnect delay")
	flags.Duration("backoff-max", satellite.DefaultBackoffMax, "maximum reconnect delay")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	for _, key := range []string{
		keyConfig, keyDaemonAddr, keyTransport, keyIdentityFile, keyHardwareAddr, keyName,
		keyLocation, keyTier, keyWakeWord, keyTLS, keyBackoffInitial, keyBackoffMax, keyLogLevel,
	} {
		_ = v.BindPFlag(key, flags.Lookup(flagName(key)))
	}
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

// readConfig loads the config file when one is named or the default exists.
func readConfig(v *viper.Viper) error {
	path := v.GetString(keyConfig)
	explicit := path != ""
	if !explicit {
		path = filepath.Join(defaultDir(), configFileName)
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		DaemonAddr:     v.GetString(keyDaemonAddr),
		Transport:      satellite.Transport(v.GetString(keyTransport)),
		IdentityFile:   v.GetString(keyIdentityFile),
		HardwareAddr:   v.GetString(keyHardwareAddr),
		Name:           v.GetString(keyName),
		Location:       v.GetString(keyLocation),
		Tier:           dap2.Tier(v.GetString(keyTier)),
		WakeWord:       v.GetString(keyWakeWord),
		TLS:            v.GetBool(keyTLS),
		BackoffInitial: v.GetDuration(keyBackoffInitial),
		BackoffMax:     v.GetDuration(keyBackoffMax),
	}
	var errs []error
	if s.DaemonAddr == "" {
		errs = append(errs, errors.New("daemon_addr is required"))
	}
	if s.Transport != satellite.TransportTCP && s.Transport != satellite.TransportWebSocket {
		errs = append(errs, fmt.Errorf("transport %q is not one of tcp, websocket", s.Transport))
	}
	if !s.Tier.IsValid() {
		errs = append(errs, fmt.Errorf("tier %q is not one of full, audio", s.Tier))
	}
	if s.HardwareAddr == "" && s.IdentityFile == "" {
		errs = append(errs, errors.New("identity_file or hardware_addr is required"))
	}
	if s.BackoffInitial < 0 || s.BackoffMax < 0 {
		errs = append(errs, errors.New("backoff durations must not be negative"))
	}
	return s, errors.Join(errs...)
}

// identity resolves the satellite identity. created reports that a new
// identity file was written.
func (s settings) identity() (id dap2.Identity, created bool, err error) {
	if s.HardwareAddr != "" {
		id, err = satellite.HardwareIdentity(s.HardwareAddr, s.Name, s.Location)
		if err == nil && id.Name == "" {
			id.Name = "satellite-" + id.HardwareID
		}
		return id, false, err
	}
	return satellite.LoadOrCreateIdentity(s.IdentityFile, s.Name, s.Location)
}

func (s settings) clientConfig(id dap2.Identity) satellite.Config {
	cfg := satellite.Config{
		Addr:      s.DaemonAddr,
		Transport: s.Transport,
		Identity:  id,
		Tier:      s.Tier,
		Capabilities: dap2.Capabilities{
			LocalASR:    s.Tier == dap2.TierFull,
			LocalTTS:    s.Tier == dap2.TierFull,
			WakeWord:    s.WakeWord != "",
			Streaming:   true,
			Compression: true,
		},
		Backoff: satellite.Backoff{Initial: s.BackoffInitial, Max: s.BackoffMax},
	}
	if s.TLS {
		cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}
