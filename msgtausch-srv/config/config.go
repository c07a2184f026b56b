package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/clescot/littleproxy-go/msgtausch-srv/logger"
)

// ProxyType defines the type of proxy server
type ProxyType string

// Available proxy types
const (
	ProxyTypeStandard ProxyType = "standard" // Regular proxy server
	ProxyTypeHTTP     ProxyType = "http"     // HTTP intercepting proxy
	ProxyTypeHTTPS    ProxyType = "https"    // HTTPS intercepting proxy
)

// InterceptionConfig defines settings for HTTP/HTTPS traffic interception
type InterceptionConfig struct {
	Enabled           bool       // Whether interception is enabled
	HTTP              bool       // Whether to intercept HTTP traffic
	HTTPS             bool       // Whether to intercept HTTPS traffic
	CAFile            string     // Path to CA certificate file (for HTTPS interceptor)
	CAKeyFile         string     // Path to CA private key file (for HTTPS interceptor)
	CAKeyPasswd       string     // Passphrase for an encrypted CA private key
	HTTPSClassifier   Classifier // Only hosts matched by this classifier are intercepted, if set
	ExcludeClassifier Classifier // Hosts matched by this classifier are never intercepted
}

// ServerConfig defines configuration for a single proxy server instance
type ServerConfig struct {
	Type                 ProxyType // Type of proxy server (standard, http, https)
	ListenAddress        string    // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled              bool      // Whether this server is enabled
	InterceptorName      string    // Identifier for this interceptor (optional)
	MaxConnections       int       // Maximum connections for this server instance
	ConnectionsPerClient int       // Maximum connections per client IP
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                      []ServerConfig // List of proxy server configurations
	TimeoutSeconds               int            // Legacy global timeout; used for either timeout below only when that field is 0
	IdleConnectionTimeoutSeconds int            // Read+write idle timeout before a connection is forced closed (default 70s)
	ConnectTimeoutSeconds        int            // Dial timeout for upstream/chained-proxy connections (default 40s)
	MaxConcurrentConnections     int            // Global max concurrent connections
	Classifiers                  map[string]Classifier
	Forwards                     []Forward
	Allowlist                    Classifier         // Optional host allowlist using classifier
	Blocklist                    Classifier         // Optional host blocklist using classifier
	Interception                 InterceptionConfig // Global settings for traffic interception
	Statistics                   StatisticsConfig   // Optional statistics/activity-tracking backend
	Portal                       PortalConfig       // Basic-auth credentials for the proxy's own 407 challenge
	DNS                          DNSConfig          // Optional custom DNS resolver settings
	AcceptProxyProtocol          bool               // Decode a HAProxy PROXY protocol header on accept, before the HTTP codec sees the connection
	SendProxyProtocol            bool               // Prefix a PROXY protocol v1 header when dialing a direct upstream connection
	AllowLocalOnly               bool               // Reject clients whose TCP peer address isn't loopback/link-local at accept time (default true)
	AllowRequestsToOriginServer  bool               // Accept an origin-form request target (no absolute URI, not CONNECT) addressed at the proxy's own listener (default false)
	MaxInitialLineLength         int                // Parser limit on the request/status line in bytes (default 8192)
	MaxHeaderSize                int                // Parser limit on the total header block in bytes (default 16384)
	MaxChunkSize                 int                // Parser limit on a single chunked-transfer chunk in bytes (default 16384)
	ThrottleReadBytesPerSec      int64              // Global read-side traffic-shaping ceiling; 0 means unlimited
	ThrottleWriteBytesPerSec     int64              // Global write-side traffic-shaping ceiling; 0 means unlimited
	NetworkInterface             string             // Outbound source address used when dialing upstream/chained connections (default 0.0.0.0, meaning unset)
	ProxyAlias                   string             // Via header pseudonym for this proxy instance (default: local hostname, falling back to "littleproxy")
}

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork represents the default network forwarding type.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 represents SOCKS5 proxy forwarding.
	ForwardTypeSocks5
	// ForwardTypeProxy represents HTTP proxy forwarding.
	ForwardTypeProxy
)

// Forward defines the interface for forwarding configurations.
type Forward interface {
	Type() ForwardType
	Classifier() Classifier
}

// ForwardDefaultNetwork represents default network forwarding configuration.
type ForwardDefaultNetwork struct {
	ClassifierData Classifier
	ForceIPv4      bool // Dial only IPv4 addresses, skipping any AAAA results
}

// Type returns the forwarding type for this configuration.
func (c *ForwardDefaultNetwork) Type() ForwardType {
	return ForwardTypeDefaultNetwork
}

// Classifier returns the classifier for this forwarding rule.
func (c *ForwardDefaultNetwork) Classifier() Classifier {
	if c.ClassifierData == nil {
		// Provide a default classifier if none specified
		return &ClassifierTrue{}
	}
	return c.ClassifierData
}

// ForwardSocks5 represents SOCKS5 proxy forwarding configuration.
type ForwardSocks5 struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool // Dial only IPv4 addresses when connecting to the SOCKS5 server
}

// Type returns the forwarding type for this configuration.
func (c *ForwardSocks5) Type() ForwardType {
	return ForwardTypeSocks5
}

// Classifier returns the classifier for this forwarding rule.
func (c *ForwardSocks5) Classifier() Classifier {
	if c.ClassifierData == nil {
		// Provide a default classifier if none specified
		return &ClassifierTrue{}
	}
	return c.ClassifierData
}

// ForwardProxy represents HTTP proxy forwarding configuration.
type ForwardProxy struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
	ForceIPv4      bool // Dial only IPv4 addresses when connecting to the chained proxy
}

// Type returns the forwarding type for this configuration.
func (c *ForwardProxy) Type() ForwardType {
	return ForwardTypeProxy
}

// Classifier returns the classifier for this forwarding rule.
func (c *ForwardProxy) Classifier() Classifier {
	if c.ClassifierData == nil {
		// Provide a default classifier if none specified
		return &ClassifierTrue{}
	}
	return c.ClassifierData
}

func defaultConfig() *Config {
	return &Config{
		Servers: []ServerConfig{
			{
				Type:                 ProxyTypeStandard,
				ListenAddress:        "127.0.0.1:8080",
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			},
		},
		TimeoutSeconds:               30,
		IdleConnectionTimeoutSeconds: 70,
		ConnectTimeoutSeconds:        40,
		MaxConcurrentConnections:     100,
		AllowLocalOnly:               true,
		MaxInitialLineLength:         8192,
		MaxHeaderSize:                16384,
		MaxChunkSize:                 16384,
		NetworkInterface:             "0.0.0.0",
		ProxyAlias:                   defaultProxyAlias(),
	}
}

// defaultProxyAlias is the Via-header pseudonym used when no proxy-alias is
// configured: the local hostname, or the literal "littleproxy" if the
// hostname can't be determined.
func defaultProxyAlias() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "littleproxy"
}

// IdleTimeout returns the read+write idle timeout to enforce on a
// connection: IdleConnectionTimeoutSeconds when set, falling back to the
// legacy TimeoutSeconds for configs built by hand without it, and finally to
// the 70s spec default.
func (c *Config) IdleTimeout() time.Duration {
	switch {
	case c.IdleConnectionTimeoutSeconds > 0:
		return time.Duration(c.IdleConnectionTimeoutSeconds) * time.Second
	case c.TimeoutSeconds > 0:
		return time.Duration(c.TimeoutSeconds) * time.Second
	default:
		return 70 * time.Second
	}
}

// DialTimeout returns the dial timeout to use for upstream and chained-proxy
// connections: ConnectTimeoutSeconds when set, falling back to the legacy
// TimeoutSeconds for configs built by hand without it, and finally to the
// 40s spec default.
func (c *Config) DialTimeout() time.Duration {
	switch {
	case c.ConnectTimeoutSeconds > 0:
		return time.Duration(c.ConnectTimeoutSeconds) * time.Second
	case c.TimeoutSeconds > 0:
		return time.Duration(c.TimeoutSeconds) * time.Second
	default:
		return 40 * time.Second
	}
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	// Environment variables seed/override defaults before the file is read, so that
	// backward-compat shims (e.g. MSGTAUSCH_LISTENADDRESS) behave as if no servers
	// were configured yet.
	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	// Environment variables are applied a second time so that any variable the
	// operator set always wins over whatever the config file contains, even when
	// the file explicitly sets the same field.
	loadConfigFromEnv(cfg)

	return cfg, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// First, decode into a map to handle the hyphenated keys
	var data map[string]any
	err = json.NewDecoder(file).Decode(&data)
	if err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

// applyConfigMap maps a generic JSON/HCL-derived value tree onto cfg. Both loaders
// decode to the same map[string]any shape so this logic only needs to exist once.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := checkUnderscoreKeys(data, []string{"timeout-seconds", "idle-connection-timeout-seconds", "connect-timeout-seconds", "max-concurrent-connections", "listen-address", "accept-proxy-protocol", "send-proxy-protocol",
		"allow-local-only", "allow-requests-to-origin-server", "max-initial-line-length", "max-header-size", "max-chunk-size",
		"throttle-read-bytes-per-sec", "throttle-write-bytes-per-sec", "network-interface", "proxy-alias"},
		"invalid config key '%s': use '%s' instead"); err != nil {
		return err
	}

	// Handle servers configuration
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		// Clear default servers if specified in config
		cfg.Servers = []ServerConfig{}

		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			if err := checkUnderscoreKeysAtIndex(serverMap, i,
				[]string{"listen-address", "interceptor-name", "max-connections", "connections-per-client"},
				"invalid server config key '%s' at index %d: use '%s' instead (hyphens, not underscores)"); err != nil {
				return err
			}

			server := ServerConfig{
				Type:                 ProxyTypeStandard,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			}

			// Parse server type
			if typeVal, exists := serverMap["type"]; exists {
				ptr, err := parseValue[string](typeVal)
				if err != nil {
					return fmt.Errorf("server type at index %d must be a string: %w", i, err)
				}
				serverType := ProxyType(*ptr)

				// Validate that the proxy type is one of the supported types
				validType := false
				switch serverType {
				case ProxyTypeStandard, ProxyTypeHTTP, ProxyTypeHTTPS:
					validType = true
				}

				if !validType {
					return fmt.Errorf("invalid proxy type at index %d: %s", i, *ptr)
				}

				server.Type = serverType
			}

			// Parse listen address
			if addrVal, exists := serverMap["listen-address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
				}
				server.ListenAddress = *ptr
			}

			// Parse enabled
			if enabledVal, exists := serverMap["enabled"]; exists {
				ptr, err := parseValue[bool](enabledVal)
				if err != nil {
					return fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
				}
				server.Enabled = *ptr
			}

			// Parse interceptor name
			if nameVal, exists := serverMap["interceptor-name"]; exists {
				ptr, err := parseValue[string](nameVal)
				if err != nil {
					return fmt.Errorf("interceptor-name at index %d must be a string: %w", i, err)
				}
				server.InterceptorName = *ptr
			}

			// Parse max connections
			if maxConnsVal, exists := serverMap["max-connections"]; exists {
				ptr, err := parseValue[int](maxConnsVal)
				if err != nil {
					return fmt.Errorf("max-connections at index %d must be an integer: %w", i, err)
				}
				server.MaxConnections = *ptr
			}

			// Parse connections per client
			if clientConnsVal, exists := serverMap["connections-per-client"]; exists {
				ptr, err := parseValue[int](clientConnsVal)
				if err != nil {
					return fmt.Errorf("connections-per-client at index %d must be an integer: %w", i, err)
				}
				server.ConnectionsPerClient = *ptr
			}

			cfg.Servers = append(cfg.Servers, server)
		}
	}

	// For backward compatibility: if listen-address is specified but no servers,
	// create a standard server with that address
	if val, exists := data["listen-address"]; exists && len(cfg.Servers) == 0 {
		ptr, err := parseValue[string](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("listen-address must be a string")
		}
		// Create a standard proxy server with the specified address
		cfg.Servers = []ServerConfig{
			{
				Type:                 ProxyTypeStandard,
				ListenAddress:        *ptr,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			},
		}
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("timeout-seconds must be a number")
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["idle-connection-timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("idle-connection-timeout-seconds must be a number")
		}
		cfg.IdleConnectionTimeoutSeconds = *ptr
	}

	if val, exists := data["connect-timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("connect-timeout-seconds must be a number")
		}
		cfg.ConnectTimeoutSeconds = *ptr
	}

	if val, exists := data["max-concurrent-connections"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("max-concurrent-connections must be a number")
		}
		cfg.MaxConcurrentConnections = *ptr
	}

	if val, exists := data["accept-proxy-protocol"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("accept-proxy-protocol must be a boolean: %w", err)
		}
		cfg.AcceptProxyProtocol = *ptr
	}

	if val, exists := data["send-proxy-protocol"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("send-proxy-protocol must be a boolean: %w", err)
		}
		cfg.SendProxyProtocol = *ptr
	}

	if val, exists := data["allow-local-only"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("allow-local-only must be a boolean: %w", err)
		}
		cfg.AllowLocalOnly = *ptr
	}

	if val, exists := data["allow-requests-to-origin-server"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("allow-requests-to-origin-server must be a boolean: %w", err)
		}
		cfg.AllowRequestsToOriginServer = *ptr
	}

	if val, exists := data["max-initial-line-length"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("max-initial-line-length must be an integer: %w", err)
		}
		cfg.MaxInitialLineLength = *ptr
	}

	if val, exists := data["max-header-size"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("max-header-size must be an integer: %w", err)
		}
		cfg.MaxHeaderSize = *ptr
	}

	if val, exists := data["max-chunk-size"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("max-chunk-size must be an integer: %w", err)
		}
		cfg.MaxChunkSize = *ptr
	}

	if val, exists := data["throttle-read-bytes-per-sec"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("throttle-read-bytes-per-sec must be an integer: %w", err)
		}
		cfg.ThrottleReadBytesPerSec = int64(*ptr)
	}

	if val, exists := data["throttle-write-bytes-per-sec"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("throttle-write-bytes-per-sec must be an integer: %w", err)
		}
		cfg.ThrottleWriteBytesPerSec = int64(*ptr)
	}

	if val, exists := data["network-interface"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("network-interface must be a string: %w", err)
		}
		cfg.NetworkInterface = *ptr
	}

	if val, exists := data["proxy-alias"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("proxy-alias must be a string: %w", err)
		}
		cfg.ProxyAlias = *ptr
	}

	// Clear existing classifiers
	cfg.Classifiers = make(map[string]Classifier)

	if classifiers, ok := data["classifiers"].(map[string]any); ok && classifiers != nil {
		for key, classifier := range classifiers {
			// Assuming classifier is a map[string]interface{}
			classifierMap, ok := classifier.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid classifier format")
			}

			newClassifier, err := parseClassifier(classifierMap)
			if err != nil {
				return err
			}

			cfg.Classifiers[key] = newClassifier
		}
	}

	// Parse forwards if present
	if forwards, ok := data["forwards"].([]any); ok && forwards != nil {
		// Clear existing forwards
		cfg.Forwards = nil

		for i, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid forward format")
			}

			if err := checkUnderscoreKeysAtIndex(forwardMap, i,
				[]string{"force-ipv4"},
				"invalid forward config key '%s' at index %d: use '%s' instead (hyphens, not underscores)"); err != nil {
				return err
			}

			forwardType, ok := forwardMap["type"].(string)
			if !ok {
				return fmt.Errorf("missing forward type")
			}

			// Parse classifier if present (common to all forward types)
			var classifier Classifier
			if classifierData, ok := forwardMap["classifier"].(map[string]any); ok {
				var err error
				classifier, err = parseClassifier(classifierData)
				if err != nil {
					return fmt.Errorf("failed to parse classifier for %s forward: %w", forwardType, err)
				}
			}

			forceIPv4 := false
			if v, exists := forwardMap["force-ipv4"]; exists {
				ptr, err := parseValue[bool](v)
				if err != nil {
					return fmt.Errorf("force-ipv4 for %s forward at index %d must be a boolean: %w", forwardType, i, err)
				}
				forceIPv4 = *ptr
			}

			var newForward Forward

			switch forwardType {
			case "default-network":
				networkForward := &ForwardDefaultNetwork{
					ClassifierData: classifier,
					ForceIPv4:      forceIPv4,
				}
				newForward = networkForward

			case "socks5":
				socks5Forward := &ForwardSocks5{
					ClassifierData: classifier,
					ForceIPv4:      forceIPv4,
				}
				if address, err := parseValue[string](forwardMap["address"]); err == nil {
					socks5Forward.Address = *address
				} else {
					return fmt.Errorf("socks5 forward requires address field")
				}

				if username, err := parseValue[string](forwardMap["username"]); err == nil {
					socks5Forward.Username = username
				}

				if password, err := parseValue[string](forwardMap["password"]); err == nil {
					socks5Forward.Password = password
				}

				newForward = socks5Forward

			case "proxy":
				proxyForward := &ForwardProxy{
					ClassifierData: classifier,
					ForceIPv4:      forceIPv4,
				}
				if address, err := parseValue[string](forwardMap["address"]); err == nil {
					proxyForward.Address = *address
				} else {
					return fmt.Errorf("proxy forward requires address field")
				}

				if username, err := parseValue[string](forwardMap["username"]); err == nil {
					proxyForward.Username = username
				}

				if password, err := parseValue[string](forwardMap["password"]); err == nil {
					proxyForward.Password = password
				}

				newForward = proxyForward

			default:
				return fmt.Errorf("unsupported forward type: %s", forwardType)
			}

			cfg.Forwards = append(cfg.Forwards, newForward)
		}
	}

	if val, exists := data["interception"]; exists {
		interceptionMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("interception configuration must be an object")
		}
		parsed, err := parseInterceptionConfig(interceptionMap)
		if err != nil {
			return err
		}
		cfg.Interception = parsed
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics configuration must be an object")
		}
		parsed, err := parseStatisticsConfig(statsMap)
		if err != nil {
			return err
		}
		cfg.Statistics = parsed
	}

	if val, exists := data["portal"]; exists {
		portalMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("portal configuration must be an object")
		}
		parsed, err := parsePortalConfig(portalMap)
		if err != nil {
			return err
		}
		cfg.Portal = parsed
	}

	if val, exists := data["dns"]; exists {
		dnsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("dns configuration must be an object")
		}
		parsed, err := parseDNSConfig(dnsMap)
		if err != nil {
			return err
		}
		cfg.DNS = parsed
	}

	if val, exists := data["allowlist"]; exists {
		allowlistMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("allowlist must be a classifier object")
		}
		classifier, err := parseClassifier(allowlistMap)
		if err != nil {
			return err
		}
		cfg.Allowlist = classifier
	}

	if val, exists := data["blocklist"]; exists {
		blocklistMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("blocklist must be a classifier object")
		}
		classifier, err := parseClassifier(blocklistMap)
		if err != nil {
			return err
		}
		cfg.Blocklist = classifier
	}

	return nil
}

// checkUnderscoreKeys reports an error if any of the given hyphenated key names
// appears in its underscore form within m.
func checkUnderscoreKeys(m map[string]any, hyphenatedKeys []string, errFmt string) error {
	for _, hyphenated := range hyphenatedKeys {
		snake := strings.ReplaceAll(hyphenated, "-", "_")
		if snake == hyphenated {
			continue
		}
		if _, ok := m[snake]; ok {
			return fmt.Errorf(errFmt, snake, hyphenated)
		}
	}
	return nil
}

func checkUnderscoreKeysAtIndex(m map[string]any, index int, hyphenatedKeys []string, errFmt string) error {
	for _, hyphenated := range hyphenatedKeys {
		snake := strings.ReplaceAll(hyphenated, "-", "_")
		if snake == hyphenated {
			continue
		}
		if _, ok := m[snake]; ok {
			return fmt.Errorf(errFmt, snake, index, hyphenated)
		}
	}
	return nil
}

func parseInterceptionConfig(m map[string]any) (InterceptionConfig, error) {
	cfg := InterceptionConfig{}

	if err := checkUnderscoreKeys(m,
		[]string{"enabled", "http", "https", "ca-file", "ca-key-passwd", "ca-key-file", "https-classifier", "exclude-classifier"},
		"invalid interception config key '%s': use '%s' instead"); err != nil {
		return cfg, err
	}

	if v, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return cfg, fmt.Errorf("interception enabled must be a boolean: %w", err)
		}
		cfg.Enabled = *ptr
	}

	if v, exists := m["http"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return cfg, fmt.Errorf("interception http must be a boolean: %w", err)
		}
		cfg.HTTP = *ptr
	}

	if v, exists := m["https"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return cfg, fmt.Errorf("interception https must be a boolean: %w", err)
		}
		cfg.HTTPS = *ptr
	}

	if v, exists := m["ca-file"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return cfg, fmt.Errorf("interception ca-file must be a string: %w", err)
		}
		cfg.CAFile = *ptr
	}

	if v, exists := m["ca-key-file"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return cfg, fmt.Errorf("interception ca-key-file must be a string: %w", err)
		}
		cfg.CAKeyFile = *ptr
	}

	if v, exists := m["ca-key-passwd"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return cfg, fmt.Errorf("interception ca-key-passwd must be a string: %w", err)
		}
		cfg.CAKeyPasswd = *ptr
	}

	if v, exists := m["https-classifier"]; exists {
		id, ok := v.(string)
		if !ok {
			return cfg, fmt.Errorf("interception https-classifier must be a string")
		}
		cfg.HTTPSClassifier = &ClassifierRef{Id: id}
	}

	if v, exists := m["exclude-classifier"]; exists {
		id, ok := v.(string)
		if !ok {
			return cfg, fmt.Errorf("interception exclude-classifier must be a string")
		}
		cfg.ExcludeClassifier = &ClassifierRef{Id: id}
	}

	return cfg, nil
}

func parseStatisticsConfig(m map[string]any) (StatisticsConfig, error) {
	cfg := StatisticsConfig{}

	if err := checkUnderscoreKeys(m,
		[]string{"sqlite-path", "postgres-dsn", "buffer-size", "flush-interval"},
		"invalid statistics config key '%s': use '%s' instead (hyphens, not underscores)"); err != nil {
		return cfg, err
	}

	if v, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return cfg, fmt.Errorf("statistics enabled must be a boolean: %w", err)
		}
		cfg.Enabled = *ptr
	}

	if v, exists := m["backend"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return cfg, fmt.Errorf("statistics backend must be a string: %w", err)
		}
		cfg.Backend = *ptr
	}

	if v, exists := m["sqlite-path"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return cfg, fmt.Errorf("statistics sqlite-path must be a string: %w", err)
		}
		cfg.SQLitePath = *ptr
	}

	if v, exists := m["postgres-dsn"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return cfg, fmt.Errorf("statistics postgres-dsn must be a string: %w", err)
		}
		cfg.PostgresDSN = *ptr
	}

	if v, exists := m["buffer-size"]; exists {
		ptr, err := parseValue[int](v)
		if err != nil {
			return cfg, fmt.Errorf("statistics buffer-size must be an integer: %w", err)
		}
		cfg.BufferSize = *ptr
	}

	if v, exists := m["flush-interval"]; exists {
		ptr, err := parseValue[int](v)
		if err != nil {
			return cfg, fmt.Errorf("statistics flush-interval must be an integer: %w", err)
		}
		cfg.FlushInterval = *ptr
	}

	if v, exists := m["recording"]; exists {
		recordingMap, ok := v.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("statistics recording must be a classifier object")
		}
		classifier, err := parseClassifier(recordingMap)
		if err != nil {
			return cfg, err
		}
		cfg.Recording = classifier
	}

	return cfg, nil
}

func parsePortalConfig(m map[string]any) (PortalConfig, error) {
	cfg := PortalConfig{}

	if v, exists := m["username"]; exists {
		username, ok := v.(string)
		if !ok {
			return cfg, fmt.Errorf("portal username must be a string")
		}
		cfg.Username = username
	}

	if v, exists := m["password"]; exists {
		password, ok := v.(string)
		if !ok {
			return cfg, fmt.Errorf("portal password must be a string")
		}
		cfg.Password = password
	}

	return cfg, nil
}

func parseDNSConfig(m map[string]any) (DNSConfig, error) {
	cfg := DNSConfig{}

	if v, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return cfg, fmt.Errorf("dns enabled must be a boolean: %w", err)
		}
		cfg.Enabled = *ptr
	}

	if v, exists := m["servers"]; exists {
		serverList, ok := v.([]any)
		if !ok {
			return cfg, fmt.Errorf("dns servers must be an array")
		}
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return cfg, fmt.Errorf("dns server at index %d must be an object", i)
			}

			server := DNSServerConfig{}

			if addr, ok := serverMap["address"].(string); ok {
				server.Address = addr
			} else {
				return cfg, fmt.Errorf("dns server at index %d requires an address field", i)
			}

			if typeStr, ok := serverMap["type"].(string); ok {
				dnsType := DNSType(typeStr)
				switch dnsType {
				case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
					server.Type = dnsType
				default:
					return cfg, fmt.Errorf("dns server at index %d has invalid type: %s", i, typeStr)
				}
			}

			if timeoutVal, exists := serverMap["timeout-seconds"]; exists {
				ptr, err := parseValue[int](timeoutVal)
				if err != nil {
					return cfg, fmt.Errorf("dns server at index %d timeout-seconds must be an integer: %w", i, err)
				}
				server.TimeoutSeconds = *ptr
			}

			if tlsHost, ok := serverMap["tls-host"].(string); ok {
				server.TLSHost = tlsHost
			}

			cfg.Servers = append(cfg.Servers, server)
		}
	}

	return cfg, nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func parseClassifier(classifierMap map[string]any) (Classifier, error) {
	// Create a new classifier based on the type
	var newClassifier Classifier
	classifierType, ok := classifierMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing classifier type")
	}

	if strings.Contains(classifierType, "_") {
		return nil, fmt.Errorf("invalid classifier type '%s': use '%s' instead (hyphens, not underscores)",
			classifierType, strings.ReplaceAll(classifierType, "_", "-"))
	}

	switch classifierType {
	case "and":
		newClassifier = &ClassifierAnd{}
		if classifiers, ok := classifierMap["classifiers"].([]any); ok && classifiers != nil {
			for _, classifier := range classifiers {
				class, err := parseClassifier(classifier.(map[string]any))
				if err != nil {
					return nil, err
				}
				newClassifier.(*ClassifierAnd).Classifiers = append(newClassifier.(*ClassifierAnd).Classifiers, class)
			}
		}
	case "or":
		newClassifier = &ClassifierOr{}
		if classifiers, ok := classifierMap["classifiers"].([]any); ok && classifiers != nil {
			for _, classifier := range classifiers {
				class, err := parseClassifier(classifier.(map[string]any))
				if err != nil {
					return nil, err
				}
				newClassifier.(*ClassifierOr).Classifiers = append(newClassifier.(*ClassifierOr).Classifiers, class)
			}
		}
	case "not":
		newClassifier = &ClassifierNot{}
		if classifier, ok := classifierMap["classifier"].(map[string]any); ok {
			class, err := parseClassifier(classifier)
			if err != nil {
				return nil, err
			}
			newClassifier.(*ClassifierNot).Classifier = class
		}
	case "record":
		classifierData, ok := classifierMap["classifier"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record classifier requires a 'classifier' field")
		}
		wrapped, err := parseClassifier(classifierData)
		if err != nil {
			return nil, err
		}
		newClassifier = &ClassifierRecord{Classifier: wrapped}
	case "domain":
		domainClassifier := &ClassifierDomain{}

		// Set the domain
		if domain, ok := classifierMap["domain"].(string); ok {
			domainClassifier.Domain = domain
		}

		// Set the operation
		if op, ok := classifierMap["op"].(string); ok {
			domainClassifier.Op = parseClassifierOp(op)
		}

		newClassifier = domainClassifier
	case "ip":
		ipClassifier := &ClassifierIP{}

		// Set the IP address
		if ip, ok := classifierMap["ip"].(string); ok {
			ipClassifier.IP = ip
		}

		newClassifier = ipClassifier
	case "network":
		networkClassifier := &ClassifierNetwork{}

		// Set the CIDR
		if cidr, ok := classifierMap["cidr"].(string); ok {
			networkClassifier.CIDR = cidr
		}

		newClassifier = networkClassifier
	case "port":
		portClassifier := &ClassifierPort{}
		if port, ok := classifierMap["port"].(float64); ok {
			portClassifier.Port = int(port)
		}
		newClassifier = portClassifier
	case "ref":
		refClassifier := &ClassifierRef{}
		if id, ok := classifierMap["id"].(string); ok {
			refClassifier.Id = id
		}
		newClassifier = refClassifier
	case "true":
		newClassifier = &ClassifierTrue{}
	case "false":
		newClassifier = &ClassifierFalse{}
	case "domains-file":
		filePath, ok := classifierMap["file"].(string)
		if !ok || filePath == "" {
			return nil, fmt.Errorf("domains-file classifier requires a 'file' field")
		}
		clf := &ClassifierDomainsFile{FilePath: filePath}
		newClassifier = clf
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", classifierType)
	}

	return newClassifier, nil
}

func parseClassifierOp(op string) ClassifierOp {
	switch op {
	case "equal":
		return ClassifierOpEqual
	case "not-equal":
		return ClassifierOpNotEqual
	case "is":
		return ClassifierOpIs
	case "contains":
		return ClassifierOpContains
	case "not-contains":
		return ClassifierOpNotContains
	default:
		return ClassifierOpEqual
	}
}

func loadConfigFromEnv(cfg *Config) {
	// Handle global timeout setting
	if timeoutStr := os.Getenv("MSGTAUSCH_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MSGTAUSCH_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if timeoutStr := os.Getenv("MSGTAUSCH_IDLECONNECTIONTIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.IdleConnectionTimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MSGTAUSCH_IDLECONNECTIONTIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if timeoutStr := os.Getenv("MSGTAUSCH_CONNECTTIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ConnectTimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MSGTAUSCH_CONNECTTIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	// Handle global max connections setting
	if maxConnStr := os.Getenv("MSGTAUSCH_MAXCONCURRENTCONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConcurrentConnections = maxConn
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MSGTAUSCH_MAXCONCURRENTCONNECTIONS: %s\n", maxConnStr)
		}
	}

	// Handle global interception enabled setting
	if interceptEnabled := os.Getenv("MSGTAUSCH_INTERCEPT"); interceptEnabled != "" {
		cfg.Interception.Enabled = strings.EqualFold(interceptEnabled, "true") || interceptEnabled == "1"
	}

	if v := os.Getenv("MSGTAUSCH_ACCEPTPROXYPROTOCOL"); v != "" {
		cfg.AcceptProxyProtocol = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("MSGTAUSCH_SENDPROXYPROTOCOL"); v != "" {
		cfg.SendProxyProtocol = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("MSGTAUSCH_ALLOWLOCALONLY"); v != "" {
		cfg.AllowLocalOnly = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("MSGTAUSCH_ALLOWREQUESTSTOORIGINSERVER"); v != "" {
		cfg.AllowRequestsToOriginServer = strings.EqualFold(v, "true") || v == "1"
	}

	// Handle global HTTP interception setting
	if interceptHTTP := os.Getenv("MSGTAUSCH_INTERCEPTHTTP"); interceptHTTP != "" {
		cfg.Interception.HTTP = strings.EqualFold(interceptHTTP, "true") || interceptHTTP == "1"
	}

	// Handle global HTTPS interception setting
	if interceptHTTPS := os.Getenv("MSGTAUSCH_INTERCEPTHTTPS"); interceptHTTPS != "" {
		cfg.Interception.HTTPS = strings.EqualFold(interceptHTTPS, "true") || interceptHTTPS == "1"
	}

	// Handle global CA certificate file setting
	if caFile := os.Getenv("MSGTAUSCH_CAFILE"); caFile != "" {
		cfg.Interception.CAFile = caFile
	}

	// Handle global CA key file setting
	if caKeyFile := os.Getenv("MSGTAUSCH_CAKEYFILE"); caKeyFile != "" {
		cfg.Interception.CAKeyFile = caKeyFile
	}

	// Handle global CA key passphrase setting
	if caKeyPasswd := os.Getenv("MSGTAUSCH_CAKEYPASSWD"); caKeyPasswd != "" {
		cfg.Interception.CAKeyPasswd = caKeyPasswd
	}

	// Handle HTTPS interception classifier setting
	if httpsClassifier := os.Getenv("MSGTAUSCH_HTTPSCLASSIFIER"); httpsClassifier != "" {
		cfg.Interception.HTTPSClassifier = &ClassifierRef{Id: httpsClassifier}
	}

	// Handle interception exclusion classifier setting
	if excludeClassifier := os.Getenv("MSGTAUSCH_EXCLUDECLASSIFIER"); excludeClassifier != "" {
		cfg.Interception.ExcludeClassifier = &ClassifierRef{Id: excludeClassifier}
	}

	// Handle portal credentials, applied independently so one can be set without the other
	if portalUser := os.Getenv("MSGTAUSCH_PORTAL_USERNAME"); portalUser != "" {
		cfg.Portal.Username = portalUser
	}
	if portalPass := os.Getenv("MSGTAUSCH_PORTAL_PASSWORD"); portalPass != "" {
		cfg.Portal.Password = portalPass
	}

	// For backward compatibility: if MSGTAUSCH_LISTENADDRESS is specified but no servers,
	// create a standard server with that address
	if addr := os.Getenv("MSGTAUSCH_LISTENADDRESS"); addr != "" {
		// Check if we already have servers configured
		if len(cfg.Servers) == 0 {
			// Create a standard proxy server with the address from env var
			cfg.Servers = []ServerConfig{
				{
					Type:                 ProxyTypeStandard,
					ListenAddress:        addr,
					Enabled:              true,
					MaxConnections:       100,
					ConnectionsPerClient: 10,
				},
			}
		} else {
			// Update the first server's address
			cfg.Servers[0].ListenAddress = addr
		}
	}

	// Handle server-specific environment variables
	// Example format: MSGTAUSCH_SERVER_0_LISTENADDRESS=127.0.0.1:8080
	// Example format: MSGTAUSCH_SERVER_0_TYPE=https
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("MSGTAUSCH_SERVER_%d_", i)
		addrVar := prefix + "LISTENADDRESS"
		typeVar := prefix + "TYPE"
		enabledVar := prefix + "ENABLED"
		caFileVar := prefix + "CAFILE"
		caKeyFileVar := prefix + "CAKEYFILE"
		maxConnsVar := prefix + "MAXCONNECTIONS"
		clientConnsVar := prefix + "CONNECTIONSPCLIENT"

		// Check if this server config exists by looking for the address
		addr := os.Getenv(addrVar)
		if addr == "" {
			// No more server configurations
			break
		}

		// Create a new server config or use existing if available
		var server ServerConfig
		if i < len(cfg.Servers) {
			// Update existing server config
			server = cfg.Servers[i]
		} else {
			// Create new server config with defaults
			server = ServerConfig{
				Type:                 ProxyTypeStandard,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			}
		}

		// Set the server address
		server.ListenAddress = addr

		// Set the server type if specified
		if typeStr := os.Getenv(typeVar); typeStr != "" {
			server.Type = ProxyType(typeStr)
		}

		// Set enabled status if specified
		if enabledStr := os.Getenv(enabledVar); enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil {
				server.Enabled = enabled
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", enabledVar, enabledStr)
			}
		}

		// Set global CA file if specified via server-specific env var and global is not set
		if caFile := os.Getenv(caFileVar); caFile != "" && cfg.Interception.CAFile == "" {
			cfg.Interception.CAFile = caFile
		}

		// Set global CA key file if specified via server-specific env var and global is not set
		if caKeyFile := os.Getenv(caKeyFileVar); caKeyFile != "" && cfg.Interception.CAKeyFile == "" {
			cfg.Interception.CAKeyFile = caKeyFile
		}

		// Set max connections if specified
		if maxConnsStr := os.Getenv(maxConnsVar); maxConnsStr != "" {
			if maxConns, err := strconv.Atoi(maxConnsStr); err == nil {
				server.MaxConnections = maxConns
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", maxConnsVar, maxConnsStr)
			}
		}

		// Set client connections if specified
		if clientConnsStr := os.Getenv(clientConnsVar); clientConnsStr != "" {
			if clientConns, err := strconv.Atoi(clientConnsStr); err == nil {
				server.ConnectionsPerClient = clientConns
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", clientConnsVar, clientConnsStr)
			}
		}

		// Update or add the server config
		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
