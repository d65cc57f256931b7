package openai

import (
	"net/http"
	"os"
)

const (
	tokenEnvVarName   = "OPENAI_API_KEY"  //nolint:gosec
	modelEnvVarName   = "OPENAI_MODEL"    //nolint:gosec
	baseURLEnvVarName = "OPENAI_BASE_URL" //nolint:gosec
)

type options struct {
	token      string
	model      string
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for the OpenAI client.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		token:   os.Getenv(tokenEnvVarName),
		model:   os.Getenv(modelEnvVarName),
		baseURL: os.Getenv(baseURLEnvVarName),
	}
}

// WithToken passes the OpenAI API token to the client. If not set, the token
// is read from the OPENAI_API_KEY environment variable.
func WithToken(token string) Option {
	return func(opts *options) {
		opts.token = token
	}
}

// WithModel passes the OpenAI model to the client. If not set, the model
// is read from the OPENAI_MODEL environment variable.
func WithModel(model string) Option {
	return func(opts *options) {
		opts.model = model
	}
}

// WithBaseURL passes the OpenAI base url to the client. If not set, the base
// url is read from the OPENAI_BASE_URL environment variable, falling back to
// the SDK default.
func WithBaseURL(baseURL string) Option {
	return func(opts *options) {
		opts.baseURL = baseURL
	}
}

// WithHTTPClient allows setting a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(opts *options) {
		opts.httpClient = client
	}
}
