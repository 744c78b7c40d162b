package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvAttestationKey is the environment variable an embedding process may set
// to control attestation signing. When unset, a deterministic,
// scope-derived development key is used instead (never for production
// verification — see resolveAttestationKey).
const EnvAttestationKey = "BILKO_ATTESTATION_KEY"

// PolicyDefaults is the set of per-step policy knobs an operator may set in
// a defaults file. They are decoded, defaulted and validated here; the
// compiler does not read them and fills unset step policy fields from its
// own built-in defaults.
type PolicyDefaults struct {
	TimeoutMs       int             `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	MaxAttempts     int             `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	BackoffStrategy BackoffStrategy `json:"backoffStrategy,omitempty" yaml:"backoffStrategy,omitempty"`
	BackoffBaseMs   int             `json:"backoffBaseMs,omitempty" yaml:"backoffBaseMs,omitempty"`
}

// ExecutorConfig is the executor's ambient configuration, built with
// explicit defaulting in the same shape this codebase uses for its engine
// configuration: strict-decode a file if one is given, apply defaults, then
// validate. The attestation key is not part of it; AttestationKey reads the
// environment each time it is called.
type ExecutorConfig struct {
	// GenerateAttestations controls whether a successful run also produces
	// a signed attestation. Defaults to true.
	GenerateAttestations bool `json:"generateAttestations" yaml:"generateAttestations"`

	// PolicyDefaults holds the operator's per-step policy defaults; the
	// executor and compiler do not apply them to workflow steps.
	PolicyDefaults PolicyDefaults `json:"policyDefaults,omitempty" yaml:"policyDefaults,omitempty"`
}

// LoadExecutorConfigFile strict-decodes a YAML policy-defaults file (unknown
// fields rejected, exactly one document), applies defaults, and validates
// the result.
func LoadExecutorConfigFile(path string) (*ExecutorConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := decodeYAMLStrict(b)
	if err != nil {
		return nil, err
	}
	cfg := &ExecutorConfig{PolicyDefaults: raw.PolicyDefaults}
	if raw.GenerateAttestations != nil {
		cfg.GenerateAttestations = *raw.GenerateAttestations
	} else {
		cfg.GenerateAttestations = true
	}
	applyExecutorConfigDefaults(cfg)
	if err := validateExecutorConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewExecutorConfigFromEnv builds the default ExecutorConfig. It reads no
// environment variables itself; the attestation signing key is resolved
// from the environment later, per run, by AttestationKey.
func NewExecutorConfigFromEnv() *ExecutorConfig {
	cfg := &ExecutorConfig{GenerateAttestations: true}
	applyExecutorConfigDefaults(cfg)
	return cfg
}

// rawExecutorConfig mirrors ExecutorConfig but keeps GenerateAttestations as
// a pointer so the decoder can distinguish "field absent" (nil, defaults to
// true) from "field explicitly set to false".
type rawExecutorConfig struct {
	GenerateAttestations *bool          `yaml:"generateAttestations"`
	PolicyDefaults       PolicyDefaults `yaml:"policyDefaults,omitempty"`
}

func decodeYAMLStrict(b []byte) (*rawExecutorConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var raw rawExecutorConfig
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("yaml: multiple documents are not allowed in a policy-defaults file")
		}
		return nil, err
	}
	return &raw, nil
}

func applyExecutorConfigDefaults(cfg *ExecutorConfig) {
	if cfg == nil {
		return
	}
	if cfg.PolicyDefaults.BackoffStrategy == "" {
		cfg.PolicyDefaults.BackoffStrategy = defaultBackoffStrategy
	}
	if cfg.PolicyDefaults.BackoffBaseMs == 0 {
		cfg.PolicyDefaults.BackoffBaseMs = defaultBackoffBaseMs
	}
}

func validateExecutorConfig(cfg *ExecutorConfig) error {
	if cfg.PolicyDefaults.BackoffBaseMs < 0 {
		return fmt.Errorf("policyDefaults.backoffBaseMs must be >= 0")
	}
	switch cfg.PolicyDefaults.BackoffStrategy {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("policyDefaults.backoffStrategy must be fixed or exponential, got %q", cfg.PolicyDefaults.BackoffStrategy)
	}
	return nil
}

// AttestationKey returns the signing key and a human-readable reference to
// where it came from, for recording in Attestation.VerificationKeyRef. The
// fallback path is scope-derived, so it must be resolved per run rather
// than cached once at config load.
func (cfg *ExecutorConfig) AttestationKey(scope string) ([]byte, string) {
	return resolveAttestationKey(scope)
}

// resolveAttestationKey reads BILKO_ATTESTATION_KEY from the environment;
// if unset, it derives a deterministic, development-only key from a fixed
// label and the run's scope, so local runs and tests produce stable,
// reproducible signatures without ever silently reusing a production key.
func resolveAttestationKey(scope string) (key []byte, ref string) {
	if v := os.Getenv(EnvAttestationKey); v != "" {
		return []byte(v), "env:" + EnvAttestationKey
	}
	sum := sha256.Sum256([]byte("bilko-dev-fallback" + scope))
	return sum[:], "dev-fallback"
}

// marshalPolicyDefaults renders the effective defaults as JSON, returning
// "{}" if they cannot be marshaled. Neither the CLI nor the executor
// calls it.
func marshalPolicyDefaults(pd PolicyDefaults) string {
	b, err := json.Marshal(pd)
	if err != nil {
		return "{}"
	}
	return string(b)
}
