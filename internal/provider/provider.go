// Package provider defines tool-provider configurations and the durable
// registry that manages them. A provider is an external process or endpoint
// exposing callable tools over one of three transports: a subprocess speaking
// JSON-RPC on stdio, a streamable HTTP endpoint, or an SSE event stream.
package provider

import (
	"encoding/json"
	"time"
)

// Transport identifies how a provider is reached.
type Transport string

const (
	// TransportStdio spawns a subprocess and speaks JSON-RPC over its pipes.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP POSTs JSON-RPC requests to a URL that may
	// answer with a plain JSON body or an SSE-framed one.
	TransportStreamableHTTP Transport = "streamable_http"

	// TransportSSE subscribes to a server-push event stream and POSTs
	// requests alongside it.
	TransportSSE Transport = "sse"
)

// DefaultCallTimeout applies when a config does not set its own.
const DefaultCallTimeout = 60 * time.Second

// Config describes one tool provider. String values may contain ${VAR} or
// ${VAR:-default} placeholders; they are resolved against the environment at
// connect time and persisted unresolved.
type Config struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Transport   Transport `json:"transport"`
	Enabled     bool      `json:"enabled"`
	BuiltIn     bool      `json:"builtIn,omitempty"`

	// TimeoutSeconds bounds each call on this provider's connection.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`

	// stdio transport
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// streamable_http / sse transports
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// CallTimeout returns the per-call timeout for this provider.
func (c Config) CallTimeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultCallTimeout
}

// Normalize infers the transport for legacy entries that predate the
// transport field: a command implies stdio, a URL implies streamable_http.
func (c *Config) Normalize() {
	if c.Transport != "" {
		return
	}
	if c.Command != "" {
		c.Transport = TransportStdio
	} else if c.URL != "" {
		c.Transport = TransportStreamableHTTP
	}
}

// Validate checks the transport-specific invariant: stdio configs carry a
// command and no URL, HTTP-based configs carry a URL and no command.
func (c Config) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return &ValidationError{Field: "command", Reason: "required for stdio transport"}
		}
		if c.URL != "" {
			return &ValidationError{Field: "url", Reason: "not allowed for stdio transport"}
		}
	case TransportStreamableHTTP, TransportSSE:
		if c.URL == "" {
			return &ValidationError{Field: "url", Reason: "required for " + string(c.Transport) + " transport"}
		}
		if c.Command != "" {
			return &ValidationError{Field: "command", Reason: "not allowed for " + string(c.Transport) + " transport"}
		}
	default:
		return &ValidationError{Field: "transport", Reason: "unknown transport: " + string(c.Transport)}
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate registry state through
// shared maps or slices.
func (c Config) Clone() Config {
	out := c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Patch holds optional replacement values for Update. Nil fields are left
// unchanged.
type Patch struct {
	Name           *string            `json:"name,omitempty"`
	Description    *string            `json:"description,omitempty"`
	Transport      *Transport         `json:"transport,omitempty"`
	Enabled        *bool              `json:"enabled,omitempty"`
	TimeoutSeconds *int               `json:"timeoutSeconds,omitempty"`
	Command        *string            `json:"command,omitempty"`
	Args           *[]string          `json:"args,omitempty"`
	Env            *map[string]string `json:"env,omitempty"`
	URL            *string            `json:"url,omitempty"`
	Headers        *map[string]string `json:"headers,omitempty"`
}

func (p Patch) apply(c Config) Config {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Transport != nil {
		c.Transport = *p.Transport
	}
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.TimeoutSeconds != nil {
		c.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.Command != nil {
		c.Command = *p.Command
	}
	if p.Args != nil {
		c.Args = *p.Args
	}
	if p.Env != nil {
		c.Env = *p.Env
	}
	if p.URL != nil {
		c.URL = *p.URL
	}
	if p.Headers != nil {
		c.Headers = *p.Headers
	}
	return c
}

// UnmarshalJSON keeps the default decoding but runs legacy transport
// inference so configs written before the transport field still load.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Config(a)
	c.Normalize()
	return nil
}
