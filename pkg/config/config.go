// Package config provides the unified configuration system for edgeflow.
// It defines the ConnectorConfig record that fully describes one connector
// instance: protocol parameters, security, timeouts, reliability and the
// initial subscription set. A ConnectorConfig is immutable once handed to a
// connector; the connector instance owns it exclusively for its lifetime.
//
// The configuration is organized into logical sections:
//   - Endpoint: server address
//   - Security: policy, mode, authentication, certificates
//   - Timeouts: connection, session, request, keep-alive
//   - Reliability: retry behavior for session establishment
//   - Subscription: publishing cadence for the connector-wide subscription
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known security policy and authentication mode values.
const (
	SecurityPolicyNone = "None"

	AuthModeAnonymous = "anonymous"
	AuthModeUsername  = "username"
)

// ConnectorConfig fully specifies one connector instance.
type ConnectorConfig struct {
	// ID uniquely identifies the connector instance. Defaults to a
	// generated UUID when omitted.
	ID string `yaml:"id" json:"id"`
	// Name is the human-readable connector name, unique within a manager.
	Name string `yaml:"name" json:"name"`
	// Type is the protocol discriminator (e.g. "opcua").
	Type string `yaml:"type" json:"type"`

	Endpoint     EndpointConfig     `yaml:"endpoint" json:"endpoint"`
	Security     SecurityConfig     `yaml:"security" json:"security"`
	Timeouts     TimeoutConfig      `yaml:"timeouts" json:"timeouts"`
	Reliability  ReliabilityConfig  `yaml:"reliability" json:"reliability"`
	Subscription SubscriptionConfig `yaml:"subscription" json:"subscription"`

	// AutoReconnect lets the transport recover the session after
	// keep-alive failures instead of flipping straight to an error state.
	AutoReconnect bool `yaml:"auto_reconnect" json:"auto_reconnect"`

	// Subscriptions is the initial monitored item set applied on Connect.
	Subscriptions []SubscriptionItem `yaml:"subscriptions" json:"subscriptions"`
}

// EndpointConfig identifies the server to connect to.
type EndpointConfig struct {
	// URL is the server endpoint (e.g. "opc.tcp://plc1:4840").
	URL string `yaml:"url" json:"url"`
}

// SecurityConfig contains transport security and authentication settings.
type SecurityConfig struct {
	// Policy is the security policy name ("None", "Basic256Sha256", ...).
	Policy string `yaml:"policy" json:"policy"`
	// Mode is the message security mode ("None", "Sign", "SignAndEncrypt").
	Mode string `yaml:"mode" json:"mode"`
	// AuthMode selects the identity token ("anonymous" or "username").
	AuthMode string `yaml:"auth_mode" json:"auth_mode"`
	// Username and Password are used when AuthMode is "username".
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	// CertificatePath and KeyPath hold the client certificate pair used
	// for signed/encrypted modes.
	CertificatePath string `yaml:"certificate_path" json:"certificate_path"`
	KeyPath         string `yaml:"key_path" json:"key_path"`
}

// TimeoutConfig contains all timeout-related settings. The transport layer
// enforces these; connectors only pass them through.
type TimeoutConfig struct {
	// Connection bounds session establishment.
	Connection time.Duration `yaml:"connection" json:"connection"`
	// Session is the requested server-side session timeout.
	Session time.Duration `yaml:"session" json:"session"`
	// Request bounds individual service calls (browse, read).
	Request time.Duration `yaml:"request" json:"request"`
	// KeepAlive is the liveness probe interval.
	KeepAlive time.Duration `yaml:"keep_alive" json:"keep_alive"`
}

// ReliabilityConfig controls retry behavior for session establishment.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum dial attempts during Connect.
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between attempts.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// SubscriptionConfig controls the connector-wide protocol subscription.
type SubscriptionConfig struct {
	// PublishingInterval is the cadence at which the server batches and
	// delivers queued monitored-item values. One subscription per
	// connector carries this single interval.
	PublishingInterval time.Duration `yaml:"publishing_interval" json:"publishing_interval"`
	// BufferSize bounds the outbound data point batch channel.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// SubscriptionItem describes a single tag/node registered for value delivery.
// Items are uniquely keyed by ID within a connector's active set.
type SubscriptionItem struct {
	ID   string `yaml:"id" json:"id"`
	// NodeID is the protocol-specific address (e.g. "ns=2;s=Pump.Speed").
	NodeID string `yaml:"node_id" json:"node_id"`
	Name   string `yaml:"name" json:"name"`
	// SamplingInterval is how often the server samples the item.
	SamplingInterval time.Duration `yaml:"sampling_interval" json:"sampling_interval"`
	// QueueSize is the server-side queue depth between publishes.
	QueueSize uint32 `yaml:"queue_size" json:"queue_size"`
	// DiscardOldest selects the queue overflow policy.
	DiscardOldest bool `yaml:"discard_oldest" json:"discard_oldest"`
	// Unit optionally annotates emitted data points.
	Unit string `yaml:"unit" json:"unit"`
	// Metadata is attached verbatim to emitted data points.
	Metadata map[string]string `yaml:"metadata" json:"metadata"`
}

// NewConnectorConfig creates a ConnectorConfig with defaults applied.
func NewConnectorConfig(name, connectorType string) *ConnectorConfig {
	cfg := &ConnectorConfig{
		Name: name,
		Type: connectorType,
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with production defaults and assigns
// generated IDs where omitted.
func (c *ConnectorConfig) ApplyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Security.Policy == "" {
		c.Security.Policy = SecurityPolicyNone
	}
	if c.Security.Mode == "" {
		c.Security.Mode = "None"
	}
	if c.Security.AuthMode == "" {
		c.Security.AuthMode = AuthModeAnonymous
	}
	if c.Timeouts.Connection <= 0 {
		c.Timeouts.Connection = 10 * time.Second
	}
	if c.Timeouts.Session <= 0 {
		c.Timeouts.Session = 30 * time.Minute
	}
	if c.Timeouts.Request <= 0 {
		c.Timeouts.Request = 10 * time.Second
	}
	if c.Timeouts.KeepAlive <= 0 {
		c.Timeouts.KeepAlive = 5 * time.Second
	}
	if c.Reliability.RetryAttempts <= 0 {
		c.Reliability.RetryAttempts = 1
	}
	if c.Reliability.RetryDelay <= 0 {
		c.Reliability.RetryDelay = time.Second
	}
	if c.Subscription.PublishingInterval <= 0 {
		c.Subscription.PublishingInterval = time.Second
	}
	if c.Subscription.BufferSize <= 0 {
		c.Subscription.BufferSize = 256
	}
	for i := range c.Subscriptions {
		item := &c.Subscriptions[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.Name == "" {
			item.Name = item.NodeID
		}
		if item.SamplingInterval <= 0 {
			item.SamplingInterval = time.Second
		}
		if item.QueueSize == 0 {
			item.QueueSize = 10
			item.DiscardOldest = true
		}
	}
}

// Validate checks the configuration for correctness. Connectors and the
// manager call this before any network I/O so configuration errors surface
// at construction time.
func (c *ConnectorConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if c.Endpoint.URL == "" {
		return fmt.Errorf("endpoint url is required")
	}
	if c.Security.AuthMode == AuthModeUsername && c.Security.Username == "" {
		return fmt.Errorf("username is required for username authentication")
	}
	seen := make(map[string]struct{}, len(c.Subscriptions))
	for _, item := range c.Subscriptions {
		if item.NodeID == "" {
			return fmt.Errorf("subscription item %q: node_id is required", item.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("duplicate subscription item id %q", item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}
