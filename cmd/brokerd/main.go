// Command brokerd is the composition root for the Message Broker
// plane: the Subscription Table, Dispatch Engine, Delivery Engine, and
// the Broker HTTP Surface, plus their optional backends (redis
// dedup, amqp/nsq dead-letter sinks).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	nsq "github.com/nsqio/go-nsq"
	"github.com/streadway/amqp"

	sentinel "github.com/alibaba/sentinel-golang/api"
	sconfig "github.com/alibaba/sentinel-golang/core/config"

	"github.com/tradeflow/ctrlplane/broker"
	"github.com/tradeflow/ctrlplane/clock"
	cfg "github.com/tradeflow/ctrlplane/config"
	"github.com/tradeflow/ctrlplane/discovery"
	"github.com/tradeflow/ctrlplane/flog"
	"github.com/tradeflow/ctrlplane/mtls"
)

func main() {
	configFile := flag.String("config", "brokerd.yaml", "path to the broker daemon's config file")
	listenAddr := flag.String("listen", ":8444", "address the Broker HTTP Surface listens on")
	flag.Parse()

	log := flog.New(flog.Options{LogLevel: flog.InfoLevel, Console: true, EncoderConfigType: flog.ProductionEncoderConfig})
	flog.ReplaceDefault(log)

	if err := cfg.ReadInConfig(*configFile); err != nil {
		log.Warn("could not read config file, falling back to defaults", flog.Err(err))
	}
	opt := cfg.Load()

	if err := sentinel.InitWithConfig(sconfig.NewDefaultConfig()); err != nil {
		log.Fatal("sentinel init failed", flog.Err(err))
	}
	if err := broker.InitRateLimits(); err != nil {
		log.Fatal("sentinel flow rule load failed", flog.Err(err))
	}

	var tlsConfig *tls.Config
	httpClient := http.DefaultClient
	if opt.ServerCertFile != "" {
		var err error
		tlsConfig, err = mtls.ServerConfig(mtls.CertPaths{
			CertFile: opt.ServerCertFile,
			KeyFile:  opt.ServerKeyFile,
			CAFile:   opt.CABundleFile,
		}, opt.ForceTLS13)
		if err != nil {
			log.Fatal("mTLS config failed", flog.Err(err))
		}

		clientTLS, err := mtls.ClientConfig(mtls.CertPaths{
			CertFile: opt.ServerCertFile,
			KeyFile:  opt.ServerKeyFile,
			CAFile:   opt.CABundleFile,
		}, "")
		if err != nil {
			log.Fatal("outbound mTLS config failed", flog.Err(err))
		}
		httpClient = &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}
	}

	disco := discovery.New(discovery.Config{
		RegistryBaseURL: opt.RegistryBaseURL,
		HTTPClient:      httpClient,
		Clock:           clock.Real(),
		CacheTTL:        opt.CacheTTL,
		ProbeTimeout:    opt.ServicePingTimeout,
		Log:             log,
	})

	var dedup broker.Deduplicator = broker.NoopDeduplicator{}
	if opt.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: opt.RedisAddr, DB: opt.RedisDB})
		dedup = broker.NewRedisDeduplicator(client, "")
	}

	dlq := dlqSinkFor(opt, log)

	subs := broker.NewSubscriptionTable()
	delivery := broker.NewDeliveryEngine(broker.EngineConfig{
		Discovery:      disco,
		HTTPClient:     httpClient,
		DeadLetterSink: dlq,
		Dedup:          dedup,
		Clock:          clock.Real(),
		Log:            log,
	})
	dispatch := broker.NewDispatchEngine(subs, delivery, log)

	engine := gin.New()
	engine.Use(gin.Recovery())
	if tlsConfig != nil {
		engine.Use(mtls.IdentityMiddleware())
	}
	broker.NewServer(subs, dispatch, log).Register(engine)

	srv := &http.Server{Addr: *listenAddr, Handler: engine, TLSConfig: tlsConfig}
	go func() {
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("broker http surface stopped", flog.Err(err))
		}
	}()
	log.Info("brokerd started", flog.String("listen", *listenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("brokerd stopped")
}

func dlqSinkFor(opt cfg.Options, log *flog.Logger) broker.DeadLetterSink {
	switch opt.DeadLetterBackend {
	case "amqp":
		conn, err := amqp.Dial(opt.AMQPURL)
		if err != nil {
			log.Error("amqp dial failed, falling back to no-op dead-letter sink", flog.Err(err))
			return broker.NoopSink{}
		}
		ch, err := conn.Channel()
		if err != nil {
			log.Error("amqp channel open failed, falling back to no-op dead-letter sink", flog.Err(err))
			return broker.NoopSink{}
		}
		return broker.NewAMQPSink(ch, opt.AMQPExchange, opt.AMQPRoutingKey)

	case "nsq":
		producer, err := nsq.NewProducer(opt.NSQDAddr, nsq.NewConfig())
		if err != nil {
			log.Error("nsq producer init failed, falling back to no-op dead-letter sink", flog.Err(err))
			return broker.NoopSink{}
		}
		return broker.NewNSQSink(producer, opt.NSQTopic)

	default:
		return broker.NoopSink{}
	}
}
