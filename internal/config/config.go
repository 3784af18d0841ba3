// Package config holds the engine's YAML-backed startup configuration and
// per-request generation config validation (§6, §10). Grounded in the
// teacher's cmd/coefficients_config.go: a plain struct with `yaml:"..."`
// tags, unmarshaled with gopkg.in/yaml.v3 and a hard failure (here a
// typed herrors.Input error instead of the teacher's panic, since this
// load happens at server startup where a clean exit code matters more
// than at simulation-config-load time) if the file can't be read or parsed.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/helix-engine/helix/internal/adaptive"
	"github.com/helix-engine/helix/internal/herrors"
)

// EngineConfig is the server's startup configuration (§10): block pool
// sizing, vocab/EOS, adaptive-controller constants, admission bounds, and
// prefill/decode deadlines. The Adaptive block is parsed and validated but
// not passed to the pipeline, which always runs adaptive.DefaultConfig().
type EngineConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	BlockSize int `yaml:"block_size"`
	NBlocks   int `yaml:"n_blocks"`

	VocabSize int `yaml:"vocab_size"`
	EOSToken  int `yaml:"eos_token"`
	Seed      int64 `yaml:"seed"`

	MaxPromptLen int `yaml:"max_prompt_len"`

	AdmissionQueueDepth int     `yaml:"admission_queue_depth"`
	AdmissionRatePerSec float64 `yaml:"admission_rate_per_sec"`

	PrefillDeadlineSeconds float64 `yaml:"prefill_deadline_seconds"`
	DecodeDeadlineSeconds  float64 `yaml:"decode_deadline_seconds"`

	Adaptive adaptive.Config `yaml:"adaptive"`
}

// DefaultEngineConfig returns sane defaults for a local/dev deployment.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ListenAddr:             ":8080",
		BlockSize:              16,
		NBlocks:                4096,
		VocabSize:              50257,
		EOSToken:               50256,
		Seed:                   0,
		MaxPromptLen:           8192,
		AdmissionQueueDepth:    256,
		AdmissionRatePerSec:    50,
		PrefillDeadlineSeconds: 30,
		DecodeDeadlineSeconds:  120,
		Adaptive:               adaptive.DefaultConfig(),
	}
}

// LoadEngineConfig reads and validates an EngineConfig from a YAML file,
// merging onto DefaultEngineConfig so a partial file only overrides what
// it specifies (mirrors the teacher's per-model yaml defaults/overrides
// split in cmd/coefficients_config.go).
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, herrors.Wrap(herrors.Input, "reading engine config", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, herrors.Wrap(herrors.Input, "parsing engine config", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the structural invariants a malformed config file could
// violate (§7 Input errors are "malformed request, limits exceeded" — the
// same class applies to a malformed startup config).
func (c EngineConfig) Validate() error {
	switch {
	case c.BlockSize <= 0:
		return herrors.New(herrors.Input, "block_size must be positive")
	case c.NBlocks <= 0:
		return herrors.New(herrors.Input, "n_blocks must be positive")
	case c.VocabSize <= 0:
		return herrors.New(herrors.Input, "vocab_size must be positive")
	case c.EOSToken < 0 || c.EOSToken >= c.VocabSize:
		return herrors.New(herrors.Input, "eos_token must be within [0, vocab_size)")
	case c.MaxPromptLen <= 0:
		return herrors.New(herrors.Input, "max_prompt_len must be positive")
	case c.AdmissionQueueDepth <= 0:
		return herrors.New(herrors.Input, "admission_queue_depth must be positive")
	case c.AdmissionRatePerSec <= 0:
		return herrors.New(herrors.Input, "admission_rate_per_sec must be positive")
	case c.Adaptive.KMin < 0 || c.Adaptive.KMax < c.Adaptive.KMin:
		return herrors.New(herrors.Input, "adaptive.kmin/kmax out of range")
	}
	return nil
}

// GenerationConfig is the validated form of a §6 GenerationRequest: every
// field recognized, defaulted, and range-checked.
type GenerationConfig struct {
	Prompt string

	MaxTokens   int
	Temperature float64
	TopK        *int
	TopP        *float64

	SpeculationDepth int
	UseSpeculative   bool
	Adaptive         bool

	Stop []string
	Seed *int64
}

// GenerationRequest is the wire shape accepted by C10 (§6). Pointer fields
// distinguish "unset" from the zero value.
type GenerationRequest struct {
	Prompt           string   `json:"prompt"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	SpeculationDepth *int     `json:"speculation_depth,omitempty"`
	UseSpeculative   *bool    `json:"use_speculative,omitempty"`
	Adaptive         *bool    `json:"adaptive,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
}

// Validate maps a GenerationRequest onto its defaults (§6's table) and
// range-checks every recognized field, returning an herrors.Input error
// naming the first violation found.
func (r GenerationRequest) Validate(maxPromptLen int) (GenerationConfig, error) {
	cfg := GenerationConfig{
		Prompt:           r.Prompt,
		MaxTokens:        100,
		Temperature:      0.7,
		SpeculationDepth: 4,
		UseSpeculative:   true,
		Adaptive:         true,
		Stop:             nil,
	}

	if r.Prompt == "" {
		return cfg, herrors.New(herrors.Input, "prompt must not be empty")
	}
	if len(r.Prompt) > maxPromptLen {
		return cfg, herrors.New(herrors.Input, "prompt exceeds max_prompt_len")
	}

	if r.MaxTokens != nil {
		if *r.MaxTokens < 1 || *r.MaxTokens > 2048 {
			return cfg, herrors.New(herrors.Input, "max_tokens must be in [1, 2048]")
		}
		cfg.MaxTokens = *r.MaxTokens
	}

	if r.Temperature != nil {
		if *r.Temperature < 0 || *r.Temperature > 2 {
			return cfg, herrors.New(herrors.Input, "temperature must be in [0, 2]")
		}
		cfg.Temperature = *r.Temperature
	}

	if r.TopK != nil {
		if *r.TopK < 1 {
			return cfg, herrors.New(herrors.Input, "top_k must be >= 1")
		}
		cfg.TopK = r.TopK
	}

	if r.TopP != nil {
		if *r.TopP <= 0 || *r.TopP > 1 {
			return cfg, herrors.New(herrors.Input, "top_p must be in (0, 1]")
		}
		cfg.TopP = r.TopP
	}

	if r.SpeculationDepth != nil {
		if *r.SpeculationDepth < 0 || *r.SpeculationDepth > 8 {
			return cfg, herrors.New(herrors.Input, "speculation_depth must be in [0, 8]")
		}
		cfg.SpeculationDepth = *r.SpeculationDepth
	}

	if r.UseSpeculative != nil {
		cfg.UseSpeculative = *r.UseSpeculative
	}
	if r.Adaptive != nil {
		cfg.Adaptive = *r.Adaptive
	}

	if len(r.Stop) > 4 {
		return cfg, herrors.New(herrors.Input, "stop accepts at most 4 strings")
	}
	cfg.Stop = r.Stop

	if r.Seed != nil {
		cfg.Seed = r.Seed
	}

	if !cfg.UseSpeculative {
		cfg.SpeculationDepth = 0
	}

	return cfg, nil
}
