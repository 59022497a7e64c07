// Package config loads the control plane's tunable options through
// viper, plus a minimum-one-minute rounding rule for cron-style
// scheduler intervals.
package config

import (
	"flag"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options is the typed view of the control plane's configuration.
type Options struct {
	CacheTTL               time.Duration
	ServicePingTimeout     time.Duration
	TokenRefreshInterval   time.Duration
	TTLRefreshInterval     time.Duration
	CleanupServiceInterval time.Duration

	ServerKeyFile  string
	ServerCertFile string
	CABundleFile   string
	ForceTLS13     bool

	AllowedServiceNames []string

	RegistryBaseURL string

	RedisAddr string
	RedisDB   int

	DeadLetterBackend string // "amqp", "nsq", or "" (none)
	AMQPURL           string
	AMQPExchange      string
	AMQPRoutingKey    string
	NSQDAddr          string
	NSQTopic          string
}

// ReadInConfig reads file into viper, optionally binding CLI flags
// over it first so flags take precedence over file values.
func ReadInConfig(file string, useFlags ...bool) error {
	if len(useFlags) > 0 && useFlags[0] {
		pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
		pflag.Parse()
		if err := viper.BindPFlags(pflag.CommandLine); err != nil {
			return err
		}
	}

	viper.SetConfigFile(file)
	return viper.ReadInConfig()
}

// Load builds Options from the currently loaded viper state,
// applying sensible defaults for anything unset.
func Load() Options {
	opt := Options{
		CacheTTL:               msOr(viper.GetInt64("cacheTtlMs"), 30*time.Second),
		ServicePingTimeout:     msOr(viper.GetInt64("servicePingTimeoutMs"), 2*time.Second),
		TokenRefreshInterval:   roundSchedulerInterval(msOr(viper.GetInt64("tokenRefreshIntervalMs"), 10*time.Minute)),
		TTLRefreshInterval:     roundSchedulerInterval(msOr(viper.GetInt64("ttlRefreshIntervalMs"), 10*time.Minute)),
		CleanupServiceInterval: msOr(viper.GetInt64("cleanupServiceIntervalMs"), 10*time.Second),
		ServerKeyFile:          viper.GetString("tls.serverKeyFile"),
		ServerCertFile:         viper.GetString("tls.serverCertFile"),
		CABundleFile:           viper.GetString("tls.caBundleFile"),
		ForceTLS13:             viper.GetBool("tls.forceTls13"),
		AllowedServiceNames:    viper.GetStringSlice("allowedServiceNames"),
		RegistryBaseURL:        viper.GetString("registryBaseUrl"),
		RedisAddr:              viper.GetString("redis.addr"),
		RedisDB:                viper.GetInt("redis.db"),
		DeadLetterBackend:      viper.GetString("deadLetter.backend"),
		AMQPURL:                viper.GetString("deadLetter.amqp.url"),
		AMQPExchange:           viper.GetString("deadLetter.amqp.exchange"),
		AMQPRoutingKey:         viper.GetString("deadLetter.amqp.routingKey"),
		NSQDAddr:               viper.GetString("deadLetter.nsq.nsqdAddr"),
		NSQTopic:               viper.GetString("deadLetter.nsq.topic"),
	}
	return opt
}

func msOr(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// roundSchedulerInterval enforces a floor of one minute on
// cron-style scheduler intervals and truncates anything above that
// down to whole minutes.
func roundSchedulerInterval(d time.Duration) time.Duration {
	const min = time.Minute
	if d < min {
		return min
	}
	return (d / min) * min
}
