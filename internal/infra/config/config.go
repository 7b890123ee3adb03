package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Logger LoggerConfig `yaml:"logger"`
	Tracer TracerConfig `yaml:"tracer"`
}

// ClientConfig holds the daemon connection settings.
type ClientConfig struct {
	Endpoint        string        `yaml:"endpoint"`         // ws://127.0.0.1:1793
	LaunchURI       string        `yaml:"launch_uri"`       // protocol-handler URI that starts the daemon
	ProtocolVersion string        `yaml:"protocol_version"` // sent in the handshake
	PageURL         string        `yaml:"page_url"`         // auth token is read from its fragment
	AuthToken       string        `yaml:"auth_token"`       // may be "enc:..."
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ProgressGrace   time.Duration `yaml:"progress_grace"`
	LaunchCooldown  time.Duration `yaml:"launch_cooldown"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig controls the circuit breaker around connection acquisition.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Client: ClientConfig{
			Endpoint:        "ws://127.0.0.1:1793",
			LaunchURI:       "cernvm-webapi:launch",
			ProtocolVersion: "2.0.0",
			ProbeTimeout:    100 * time.Millisecond,
			RetryDelay:      50 * time.Millisecond,
			AcquireTimeout:  5 * time.Second,
			RequestTimeout:  10 * time.Second,
			SessionTimeout:  10 * time.Second,
			PollInterval:    5 * time.Second,
			ProgressGrace:   500 * time.Millisecond,
			LaunchCooldown:  10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 3,
				Timeout:     30 * time.Second,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CVMWEB_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CVMWEB_* env vars to config fields. Unparseable
// numbers and durations are ignored.
func ApplyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"CVMWEB_ENDPOINT":         &cfg.Client.Endpoint,
		"CVMWEB_LAUNCH_URI":       &cfg.Client.LaunchURI,
		"CVMWEB_PROTOCOL_VERSION": &cfg.Client.ProtocolVersion,
		"CVMWEB_PAGE_URL":         &cfg.Client.PageURL,
		"CVMWEB_AUTH_TOKEN":       &cfg.Client.AuthToken,
		"CVMWEB_LOGGER_LEVEL":     &cfg.Logger.Level,
		"CVMWEB_LOGGER_FORMAT":    &cfg.Logger.Format,
		"CVMWEB_LOGGER_OUTPUT":    &cfg.Logger.Output,
		"CVMWEB_TRACER_EXPORTER":  &cfg.Tracer.Exporter,
	}
	for key, field := range strs {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"CVMWEB_PROBE_TIMEOUT":   &cfg.Client.ProbeTimeout,
		"CVMWEB_RETRY_DELAY":     &cfg.Client.RetryDelay,
		"CVMWEB_ACQUIRE_TIMEOUT": &cfg.Client.AcquireTimeout,
		"CVMWEB_REQUEST_TIMEOUT": &cfg.Client.RequestTimeout,
		"CVMWEB_SESSION_TIMEOUT": &cfg.Client.SessionTimeout,
		"CVMWEB_POLL_INTERVAL":   &cfg.Client.PollInterval,
	}
	for key, field := range durations {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*field = d
			}
		}
	}

	if v := os.Getenv("CVMWEB_BREAKER_MAX_FAILURES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			cfg.Client.Breaker.MaxFailures = uint32(n)
		}
	}
	if v := os.Getenv("CVMWEB_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true"
	}
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if !strings.HasPrefix(cfg.Client.AuthToken, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Client.AuthToken, "enc:"), passphrase)
	if err != nil {
		return fmt.Errorf("client auth_token: %w", err)
	}
	cfg.Client.AuthToken = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	salt, data, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	sealed, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, saltBytes)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others;
// the file may carry the daemon auth token.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
