package agent

// Option is a function that can be used to modify the behavior of the Agent Config.
type Option func(*Config)

const (
	// DefaultMaxTokens is the completion token budget used when none is set.
	DefaultMaxTokens = 1000
	// DefaultMaxTurns is the model call budget per query used when none is set.
	DefaultMaxTurns = 10
)

type Config struct {
	// Model is the model to use in an LLM call.
	Model string

	// MaxTokens is the maximum number of tokens to generate in an LLM call.
	MaxTokens int

	// Temperature is the temperature for sampling in an LLM call, between 0 and 1.
	Temperature    float64
	temperatureSet bool

	// MaxTurns is the maximum number of model calls per query.
	MaxTurns int

	// SystemPrompt, when set, is prepended to every conversation.
	SystemPrompt string

	// Recorder persists conversation snapshots. Nil disables recording.
	Recorder ConversationRecorder

	// CallbackHandler receives lifecycle events.
	CallbackHandler Callback
}

func NewConfig(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithModel is an option that overrides the provider's configured model name.
func WithModel(model string) Option {
	return func(o *Config) {
		o.Model = model
	}
}

// WithMaxTokens is an option that sets the completion token budget.
func WithMaxTokens(maxTokens int) Option {
	return func(o *Config) {
		o.MaxTokens = maxTokens
	}
}

// WithTemperature is an option that sets the sampling temperature.
func WithTemperature(temperature float64) Option {
	return func(o *Config) {
		o.Temperature = temperature
		o.temperatureSet = true
	}
}

// WithMaxTurns is an option that bounds the number of model calls per query.
func WithMaxTurns(maxTurns int) Option {
	return func(o *Config) {
		o.MaxTurns = maxTurns
	}
}

// WithSystemPrompt is an option that sets the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Config) {
		o.SystemPrompt = prompt
	}
}

// WithRecorder is an option that enables conversation recording.
func WithRecorder(rec ConversationRecorder) Option {
	return func(o *Config) {
		o.Recorder = rec
	}
}

// WithCallback is an option that sets the callback handler.
func WithCallback(cb Callback) Option {
	return func(o *Config) {
		o.CallbackHandler = cb
	}
}
