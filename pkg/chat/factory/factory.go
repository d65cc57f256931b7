// Package factory creates chat models from a provider configuration file.
package factory

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/chat"
	"github.com/effective-security/mcpagent/pkg/chat/anthropic"
	"github.com/effective-security/mcpagent/pkg/chat/openai"
)

// NewLLM is a wrapper for CreateLLM to allow for overriding the default implementation.
var NewLLM = CreateLLM

// Factory is the interface for creating and managing LLM models.
type Factory interface {
	// DefaultModel returns the default LLM model.
	DefaultModel() (chat.Model, error)
	// ModelByType returns an LLM model by its provider type: OPENAI, ANTHROPIC.
	ModelByType(providerType string) (chat.Model, error)
	// ModelByName returns an LLM model by its name,
	// if the model is not found, it will return the default model.
	ModelByName(preferredModels ...string) (chat.Model, error)
}

// Load returns a Factory configured from a file.
func Load(location string) (Factory, error) {
	cfg, err := LoadConfig(location)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

type factory struct {
	cfg *Config

	defaultProvider *ProviderConfig
	byType          map[string]chat.Model
	byName          map[string]chat.Model
	lock            sync.Mutex
}

// New creates a new LLM factory
func New(cfg *Config) Factory {
	f := &factory{
		cfg:    cfg,
		byType: make(map[string]chat.Model),
		byName: make(map[string]chat.Model),
	}

	if cfg.DefaultProvider != "" {
		for _, provider := range cfg.Providers {
			if provider.Name == cfg.DefaultProvider {
				f.defaultProvider = provider
				break
			}
		}
	}
	if f.defaultProvider == nil && len(cfg.Providers) > 0 {
		f.defaultProvider = cfg.Providers[0]
	}

	return f
}

// CreateLLM creates a model from the provider configuration.
func CreateLLM(cfg *ProviderConfig, preferredModels ...string) (chat.Model, error) {
	provType := strings.ToUpper(cfg.Provider)
	switch provType {
	case "OPENAI", "OPEN_AI":
		return newOpenAI(cfg, preferredModels...)
	case "ANTHROPIC":
		return newAnthropic(cfg, preferredModels...)
	}
	return nil, errors.Errorf("unsupported provider type: %s", provType)
}

func newOpenAI(cfg *ProviderConfig, preferredModels ...string) (chat.Model, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.FindModel(preferredModels...)),
	}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}

func newAnthropic(cfg *ProviderConfig, preferredModels ...string) (chat.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithModel(cfg.FindModel(preferredModels...)),
	}
	if cfg.Token != "" {
		opts = append(opts, anthropic.WithToken(cfg.Token))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return anthropic.New(opts...)
}

// DefaultModel implements the Factory interface.
func (f *factory) DefaultModel() (chat.Model, error) {
	if f.defaultProvider == nil {
		return nil, errors.New("no providers configured")
	}
	return f.modelFor(f.defaultProvider)
}

// ModelByType implements the Factory interface.
func (f *factory) ModelByType(providerType string) (chat.Model, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	provType := strings.ToUpper(providerType)
	if model, ok := f.byType[provType]; ok {
		return model, nil
	}
	for _, provider := range f.cfg.Providers {
		if strings.ToUpper(provider.Provider) == provType {
			model, err := NewLLM(provider)
			if err != nil {
				return nil, err
			}
			f.byType[provType] = model
			f.byName[model.GetName()] = model
			return model, nil
		}
	}
	return nil, errors.Errorf("provider not found: %s", providerType)
}

// ModelByName implements the Factory interface.
func (f *factory) ModelByName(preferredModels ...string) (chat.Model, error) {
	f.lock.Lock()
	for _, name := range preferredModels {
		if model, ok := f.byName[name]; ok {
			f.lock.Unlock()
			return model, nil
		}
	}
	for _, provider := range f.cfg.Providers {
		if model := provider.FindModel(preferredModels...); model != "" && model != provider.DefaultModel {
			llm, err := NewLLM(provider, preferredModels...)
			if err != nil {
				f.lock.Unlock()
				return nil, err
			}
			f.byName[llm.GetName()] = llm
			f.lock.Unlock()
			return llm, nil
		}
	}
	f.lock.Unlock()
	return f.DefaultModel()
}

func (f *factory) modelFor(provider *ProviderConfig) (chat.Model, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if model, ok := f.byName[provider.DefaultModel]; ok {
		return model, nil
	}
	model, err := NewLLM(provider)
	if err != nil {
		return nil, err
	}
	f.byName[model.GetName()] = model
	return model, nil
}
