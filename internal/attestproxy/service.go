package attestproxy

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Service is the proxy attestation service: the HTTP front door that
// exchanges native attestation evidence for a CA-signed identity
// certificate. It implements /Start, /PSA/{op} and /Nitro/{op}.
type Service struct {
	cfg    *Config
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	table  *deviceTable
	metric *metrics

	Router *chi.Mux
}

// NewService loads the CA material named by cfg and returns a Service
// ready to be mounted by an http.Server. reg may be nil, in which case no
// metrics are registered.
func NewService(cfg *Config, reg prometheus.Registerer) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("attestproxy: invalid config: %w", err)
	}

	caCert, caKey, err := loadCA(cfg.CACertPath, cfg.CAKeyPath)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		caCert: caCert,
		caKey:  caKey,
		table:  newDeviceTable(),
		metric: newMetrics(reg),
	}

	r := chi.NewRouter()
	if cfg.Debug {
		r.Use(middleware.Logger)
	}
	r.Post("/Start", s.handleStart)
	r.Post("/PSA/{op}", s.handlePSA)
	r.Post("/Nitro/{op}", s.handleNitro)
	s.Router = r

	return s, nil
}

// ServeHTTP implements http.Handler by delegating to the chi router.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
