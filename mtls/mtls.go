// Package mtls builds the mutual-TLS transport the control plane's
// HTTP surfaces require, and the gin middleware that extracts
// clientIdentity from the verified client certificate.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/tradeflow/ctrlplane/errs"
)

type CertPaths struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// ServerConfig builds a *tls.Config that requires and verifies a
// client certificate signed by the CA bundle. Minimum version is
// 1.2; pass min13 true to require 1.3.
func ServerConfig(c CertPaths, min13 bool) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errs.New(errs.Unknown, "load server keypair failed", err)
	}

	ca, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, errs.New(errs.Unknown, "read CA bundle failed", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(ca); !ok {
		return nil, errs.New(errs.Unknown, "CA bundle contains no usable certificates")
	}

	minVersion := uint16(tls.VersionTLS12)
	if min13 {
		minVersion = tls.VersionTLS13
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   minVersion,
	}, nil
}

// ClientConfig builds a *tls.Config for outbound calls the Discovery
// Client and Delivery Engine make to other services.
func ClientConfig(c CertPaths, serverName string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errs.New(errs.Unknown, "load client keypair failed", err)
	}

	ca, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, errs.New(errs.Unknown, "read CA bundle failed", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(ca); !ok {
		return nil, errs.New(errs.Unknown, "CA bundle contains no usable certificates")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

const identityKey = "clientIdentity"

// IdentityMiddleware attaches clientIdentity to the gin context,
// taken from the verified client certificate's SAN (URI then DNS),
// falling back to CN. The listener's tls.Config already refuses
// handshakes without a client certificate (RequireAndVerifyClientCert);
// a request that still arrives without one is aborted here with 403
// Forbidden.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.TLS == nil || len(c.Request.TLS.PeerCertificates) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden", "message": "client certificate required"})
			return
		}

		cert := c.Request.TLS.PeerCertificates[0]
		identity := ""
		if len(cert.URIs) > 0 {
			identity = cert.URIs[0].String()
		} else if len(cert.DNSNames) > 0 {
			identity = cert.DNSNames[0]
		} else {
			identity = cert.Subject.CommonName
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// Identity retrieves the clientIdentity attached by IdentityMiddleware.
func Identity(c *gin.Context) string {
	v, _ := c.Get(identityKey)
	s, _ := v.(string)
	return s
}
