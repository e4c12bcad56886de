package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shardfs/pkg/model"
)

const EnvPrefix = "SHARDFS"

type Node struct {
	Name      string `mapstructure:"name" yaml:"name"`
	Role      string `mapstructure:"role" yaml:"role"`
	Extension string `mapstructure:"extension" yaml:"extension"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	AdminAddr string `mapstructure:"adminAddr" yaml:"adminAddr,omitempty"`
	Dir       string `mapstructure:"dir" yaml:"dir,omitempty"` // under home, defaults to the node name
}

type RateLimit struct {
	Limit float64 `mapstructure:"limit" yaml:"limit"` // Requests per second per connection, 0 disables
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type Cluster struct {
	Home           string        `mapstructure:"home" yaml:"home"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout" yaml:"idleTimeout"`
	MaxContent     int64         `mapstructure:"maxContent" yaml:"maxContent"`
	MaxFiles       int           `mapstructure:"maxFiles" yaml:"maxFiles"`
	MaxConnections int           `mapstructure:"maxConnections" yaml:"maxConnections"`
	LocatorTTL     time.Duration `mapstructure:"locatorTTL" yaml:"locatorTTL"`
	Archiver       string        `mapstructure:"archiver" yaml:"archiver"`
	TempDir        string        `mapstructure:"tempDir" yaml:"tempDir,omitempty"`
	RateLimit      RateLimit     `mapstructure:"rateLimit" yaml:"rateLimit"`
	Nodes          []Node        `mapstructure:"nodes" yaml:"nodes"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrHomeMissing              = errors.New("home is missing in config and $HOME is not set")
	ErrNodesMissing             = errors.New("no nodes defined in config")
	ErrNodeNameMissing          = errors.New("node without a name in config")
	ErrDuplicateNode            = errors.New("duplicate node name in config")
	ErrInvalidRole              = errors.New("node role must be gateway or storage")
	ErrGatewayCount             = errors.New("config must define exactly one gateway node")
	ErrExtensionMissing         = errors.New("node extension is missing or does not start with a dot")
	ErrDuplicateExtension       = errors.New("extension owned by more than one node")
	ErrAddrMissing              = errors.New("node addr is missing or invalid")
	ErrTimeoutInvalid           = errors.New("timeout must be positive")
	ErrMaxContentInvalid        = errors.New("maxContent must be positive")
	ErrMaxFilesInvalid          = errors.New("maxFiles must be positive")
	ErrArchiverUnknown          = errors.New("archiver must be tar or exec")
	ErrNodeUnknown              = errors.New("node is not defined in config")
)

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"home":            "home",
	"timeout":         "timeout",
	"idle-timeout":    "idleTimeout",
	"max-content":     "maxContent",
	"max-files":       "maxFiles",
	"max-connections": "maxConnections",
	"locator-ttl":     "locatorTTL",
	"archiver":        "archiver",
	"temp-dir":        "tempDir",
	"rate-limit":      "rateLimit.limit",
	"rate-burst":      "rateLimit.burst",
}

// Load reads the cluster configuration. Defaults come first, then the YAML
// file at path (optional), then SHARDFS_* environment variables, then flags.
func Load(path string, flags *pflag.FlagSet) (*Cluster, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var c Cluster
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}
	if len(c.Nodes) == 0 {
		c.Nodes = DefaultNodes()
	}
	if c.Home == "" {
		c.Home, _ = os.UserHomeDir()
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("home", d.Home)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("idleTimeout", d.IdleTimeout)
	v.SetDefault("maxContent", d.MaxContent)
	v.SetDefault("maxFiles", d.MaxFiles)
	v.SetDefault("maxConnections", d.MaxConnections)
	v.SetDefault("locatorTTL", d.LocatorTTL)
	v.SetDefault("archiver", d.Archiver)
	v.SetDefault("tempDir", d.TempDir)
	v.SetDefault("rateLimit.limit", d.RateLimit.Limit)
	v.SetDefault("rateLimit.burst", d.RateLimit.Burst)
}

// Default is the stock four-node layout on localhost.
func Default() *Cluster {
	return &Cluster{
		Timeout:        30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxContent:     5242880,
		MaxFiles:       1000,
		MaxConnections: 64,
		LocatorTTL:     time.Minute,
		Archiver:       "tar",
		RateLimit:      RateLimit{Limit: 0, Burst: 0},
		Nodes:          DefaultNodes(),
	}
}

func DefaultNodes() []Node {
	return []Node{
		{Name: "S1", Role: string(model.RoleGateway), Extension: ".c", Addr: "127.0.0.1:8080", AdminAddr: "127.0.0.1:9080"},
		{Name: "S2", Role: string(model.RoleStorage), Extension: ".pdf", Addr: "127.0.0.1:8081", AdminAddr: "127.0.0.1:9081"},
		{Name: "S3", Role: string(model.RoleStorage), Extension: ".txt", Addr: "127.0.0.1:8082", AdminAddr: "127.0.0.1:9082"},
		{Name: "S4", Role: string(model.RoleStorage), Extension: ".zip", Addr: "127.0.0.1:8083", AdminAddr: "127.0.0.1:9083"},
	}
}

// Validate checks the invariants the router depends on: one gateway and
// one owner per extension.
func (c *Cluster) Validate() error {
	if c.Home == "" {
		return ErrHomeMissing
	}
	if c.Timeout <= 0 || c.IdleTimeout < 0 {
		return ErrTimeoutInvalid
	}
	if c.MaxContent <= 0 {
		return ErrMaxContentInvalid
	}
	if c.MaxFiles <= 0 {
		return ErrMaxFilesInvalid
	}
	if c.Archiver != "tar" && c.Archiver != "exec" {
		return ErrArchiverUnknown
	}
	if len(c.Nodes) == 0 {
		return ErrNodesMissing
	}

	names := make(map[string]bool)
	exts := make(map[string]bool)
	gateways := 0
	for _, n := range c.Nodes {
		if n.Name == "" {
			return ErrNodeNameMissing
		}
		if names[n.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
		}
		names[n.Name] = true

		switch model.Role(n.Role) {
		case model.RoleGateway:
			gateways++
		case model.RoleStorage:
		default:
			return fmt.Errorf("%w: %s has %q", ErrInvalidRole, n.Name, n.Role)
		}

		if !strings.HasPrefix(n.Extension, ".") || len(n.Extension) < 2 {
			return fmt.Errorf("%w: %s", ErrExtensionMissing, n.Name)
		}
		if exts[n.Extension] {
			return fmt.Errorf("%w: %s", ErrDuplicateExtension, n.Extension)
		}
		exts[n.Extension] = true

		if _, _, err := net.SplitHostPort(n.Addr); err != nil {
			return fmt.Errorf("%w: %s", ErrAddrMissing, n.Name)
		}
	}
	if gateways != 1 {
		return ErrGatewayCount
	}
	return nil
}

// Node returns the configured node called name.
func (c *Cluster) Node(name string) (Node, error) {
	for _, n := range c.Nodes {
		if strings.EqualFold(n.Name, name) {
			return n, nil
		}
	}
	return Node{}, fmt.Errorf("%w: %s", ErrNodeUnknown, name)
}

// Gateway returns the gateway node.
func (c *Cluster) Gateway() Node {
	for _, n := range c.Nodes {
		if model.Role(n.Role) == model.RoleGateway {
			return n
		}
	}
	return Node{}
}

// Remotes returns the storage nodes in config order.
func (c *Cluster) Remotes() []model.Node {
	var out []model.Node
	for _, n := range c.Nodes {
		if model.Role(n.Role) == model.RoleStorage {
			out = append(out, c.Model(n))
		}
	}
	return out
}

// Model converts a configured node into the runtime node.
func (c *Cluster) Model(n Node) model.Node {
	dir := n.Dir
	if dir == "" {
		dir = n.Name
	}
	root := dir
	if !filepath.IsAbs(dir) {
		root = filepath.Join(c.Home, dir)
	}
	return model.Node{
		Name:      n.Name,
		Role:      model.Role(n.Role),
		Root:      root,
		Extension: n.Extension,
		Addr:      n.Addr,
		AdminAddr: n.AdminAddr,
	}
}

// SetPort replaces the port of the named node's protocol address, keeping
// its host. Used for the positional port arguments of the server commands.
func (c *Cluster) SetPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d for %s", port, name)
	}
	for i, n := range c.Nodes {
		if !strings.EqualFold(n.Name, name) {
			continue
		}
		host, _, err := net.SplitHostPort(n.Addr)
		if err != nil {
			host = "127.0.0.1"
		}
		c.Nodes[i].Addr = net.JoinHostPort(host, strconv.Itoa(port))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNodeUnknown, name)
}

// Marshal renders the configuration as YAML.
func (c *Cluster) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Generate writes the default configuration to path.
func Generate(path string) (*Cluster, error) {
	cfg := Default()
	data, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return cfg, nil
}
