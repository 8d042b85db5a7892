// Package config loads the configuration of the coordinator and node binaries.
//
// Values are resolved in order: built-in defaults, environment variables, then
// command line flags. Every flag "some-name" can be set through the environment
// as BUCKETCACHE_SOME_NAME. The bare variables COORDINATOR_ADDR, NODE_ID,
// NODE_LISTEN and NODE_ADDR are honoured as well.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/bucketcache/internal/bucket"
	"github.com/dreamware/bucketcache/internal/cluster"
)

const envPrefix = "BUCKETCACHE"

// ErrHelp is returned when --help was requested; the usage has been printed.
var ErrHelp = pflag.ErrHelp

// Cache holds the cluster-wide constants. They must be identical on every node.
type Cache struct {
	Name         string `mapstructure:"cache-name" validate:"required"`
	KeyHasher    string `mapstructure:"key-hasher" validate:"oneof=xxhash crc16 fnv"`
	BucketCount  int    `mapstructure:"bucket-count" validate:"gt=0"`
	ReplicaCount int    `mapstructure:"replica-count" validate:"gte=0,lte=254"`
}

// Info converts the constants to their wire form.
func (c Cache) Info() cluster.ClusterInfo {
	return cluster.ClusterInfo{
		CacheName:    c.Name,
		KeyHasher:    c.KeyHasher,
		BucketCount:  c.BucketCount,
		ReplicaCount: c.ReplicaCount,
	}
}

// Log configures the zap logger.
type Log struct {
	Level       string `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"log-development"`
}

// CoordinatorConfig configures the coordinator binary.
type CoordinatorConfig struct {
	Cache `mapstructure:",squash"`
	Log   `mapstructure:",squash"`

	// Listen is the address the HTTP server binds to.
	Listen string `mapstructure:"listen" validate:"required"`
	// DataDir holds the pebble database with ownership snapshots. Empty keeps
	// them in memory.
	DataDir string `mapstructure:"data-dir"`

	HealthInterval    time.Duration `mapstructure:"health-interval" validate:"gt=0"`
	HealthTimeout     time.Duration `mapstructure:"health-timeout" validate:"gt=0"`
	HealthMaxFailures int           `mapstructure:"health-max-failures" validate:"gt=0"`
	DeliveryTimeout   time.Duration `mapstructure:"delivery-timeout" validate:"gt=0"`
}

// NodeConfig configures the node binary.
type NodeConfig struct {
	Cache `mapstructure:",squash"`
	Log   `mapstructure:",squash"`

	// ID defaults to a random UUID.
	ID          string `mapstructure:"node-id" validate:"required"`
	Listen      string `mapstructure:"node-listen" validate:"required"`
	Addr        string `mapstructure:"node-addr" validate:"required,url"`
	Coordinator string `mapstructure:"coordinator-addr" validate:"required,url"`

	// LeaseDuration bounds how long a bucket accepts writes without renewal.
	// Zero disables fencing.
	LeaseDuration time.Duration `mapstructure:"lease-duration" validate:"gte=0"`
	TickInterval  time.Duration `mapstructure:"tick-interval" validate:"gt=0"`
}

func bindCacheFlags(flags *pflag.FlagSet) {
	flags.String("cache-name", "default", "name of the distributed cache")
	flags.String("key-hasher", bucket.HasherXXHash, "key hash function: xxhash, crc16 or fnv")
	flags.Int("bucket-count", bucket.DefaultBucketCount, "fixed number of buckets, identical on every node")
	flags.Int("replica-count", 1, "number of replica copies of every bucket")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.Bool("log-development", false, "human friendly console logs")
}

// LoadCoordinator parses the coordinator configuration from args and the environment.
func LoadCoordinator(args []string) (CoordinatorConfig, error) {
	flags := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	bindCacheFlags(flags)
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("data-dir", "", "directory of the snapshot database, in-memory when empty")
	flags.Duration("health-interval", 5*time.Second, "interval between node health checks")
	flags.Duration("health-timeout", 2*time.Second, "timeout of one health check")
	flags.Int("health-max-failures", 3, "consecutive failed checks before a node is removed")
	flags.Duration("delivery-timeout", 10*time.Second, "how long a command delivery is retried")

	var cfg CoordinatorConfig
	err := load(flags, args, map[string]string{"listen": "COORDINATOR_ADDR"}, nil, &cfg)
	return cfg, err
}

// LoadNode parses the node configuration from args and the environment.
// The node ID defaults to a random UUID.
func LoadNode(args []string) (NodeConfig, error) {
	flags := pflag.NewFlagSet("node", pflag.ContinueOnError)
	bindCacheFlags(flags)
	flags.String("node-id", "", "unique node ID, random when empty")
	flags.String("node-listen", ":8081", "HTTP listen address")
	flags.String("node-addr", "http://localhost:8081", "public base URL other members use to reach this node")
	flags.String("coordinator-addr", "http://localhost:8080", "base URL of the coordinator")
	flags.Duration("lease-duration", 10*time.Second, "bucket write lease, 0 disables fencing")
	flags.Duration("tick-interval", time.Second, "interval of lease renewal and expiration sweeps")

	var cfg NodeConfig
	err := load(flags, args, map[string]string{
		"node-id":          "NODE_ID",
		"node-listen":      "NODE_LISTEN",
		"node-addr":        "NODE_ADDR",
		"coordinator-addr": "COORDINATOR_ADDR",
	}, map[string]any{"node-id": uuid.NewString()}, &cfg)
	return cfg, err
}

// load merges flags, environment and defaults into out and validates it.
// Entries of defaults apply when neither a flag nor the environment sets the key.
func load(flags *pflag.FlagSet, args []string, bareEnv map[string]string, defaults map[string]any, out any) error {
	if err := flags.Parse(args); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Bare names are checked after the prefixed ones.
	for key, env := range bareEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_")), env); err != nil {
			return err
		}
	}
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode configuration: %w", err)
	}
	return validate(out)
}

var validate = func() func(any) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(cfg any) error {
		err := v.Struct(cfg)
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
}()
