// Command registryd is the composition root for the Registry plane:
// it instantiates the Store, the Lease Manager, and the Registry HTTP
// Surface, and wires them together explicitly with no ambient
// singletons.
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

	sentinel "github.com/alibaba/sentinel-golang/api"
	sconfig "github.com/alibaba/sentinel-golang/core/config"

	"github.com/tradeflow/ctrlplane/clock"
	cfg "github.com/tradeflow/ctrlplane/config"
	"github.com/tradeflow/ctrlplane/flog"
	"github.com/tradeflow/ctrlplane/mtls"
	"github.com/tradeflow/ctrlplane/registry"
)

func main() {
	configFile := flag.String("config", "registryd.yaml", "path to the registry daemon's config file")
	listenAddr := flag.String("listen", ":8443", "address the Registry HTTP Surface listens on")
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
	if err := registry.InitRateLimits(); err != nil {
		log.Fatal("sentinel flow rule load failed", flog.Err(err))
	}

	clk := clock.Real()
	store := registry.NewStore(clk, registry.DefaultTTL, opt.AllowedServiceNames)
	leases := registry.NewLeaseManager(store, clk, opt.CleanupServiceInterval, time.Second, log)
	leases.Start()
	defer leases.Stop()

	engine := gin.New()
	engine.Use(gin.Recovery())

	var tlsConfig *tls.Config
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
		engine.Use(mtls.IdentityMiddleware())
	}

	registry.NewServer(store, log).Register(engine)

	srv := &http.Server{
		Addr:      *listenAddr,
		Handler:   engine,
		TLSConfig: tlsConfig,
	}

	go func() {
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("registry http surface stopped", flog.Err(err))
		}
	}()
	log.Info("registryd started", flog.String("listen", *listenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("registryd stopped")
}
