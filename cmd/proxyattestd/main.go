// Command proxyattestd runs the proxy attestation service: it hands out
// attestation challenges, verifies the evidence Nitro and PSA/IceCap
// devices return, and signs the resulting enclave identity certificates.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/veraison-labs/veil/internal/attestproxy"
	"github.com/veraison-labs/veil/internal/policy"
)

var elog = log.New(os.Stderr, "proxyattestd: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

func main() {
	var (
		addr         = flag.String("addr", ":8443", "address the attestation service listens on")
		metricsAddr  = flag.String("metrics-addr", ":9090", "address the Prometheus metrics endpoint listens on")
		policyPath   = flag.String("policy", "", "path to the policy document")
		caCertPath   = flag.String("ca-cert", "", "path to the proxy service's CA certificate")
		caKeyPath    = flag.String("ca-key", "", "path to the proxy service's CA private key")
		enableNitro  = flag.Bool("enable-nitro", true, "accept AWS Nitro attestation evidence")
		enablePSA    = flag.Bool("enable-psa", true, "accept PSA/IceCap attestation evidence")
		psaRootKeyFP = flag.String("psa-root-key", "", "path to the shared HMAC root key file authenticating PSA/IceCap tokens (required with -enable-psa)")
		debug        = flag.Bool("debug", false, "log every HTTP request")
		fdCur        = flag.Uint64("fd-cur", 65536, "soft file descriptor limit")
		fdMax        = flag.Uint64("fd-max", 65536, "hard file descriptor limit")
	)
	flag.Parse()

	if err := setFdLimit(*fdCur, *fdMax); err != nil {
		elog.Printf("failed to raise file descriptor limit: %v", err)
	}

	if *policyPath == "" {
		elog.Fatal("-policy is required")
	}
	raw, err := os.ReadFile(*policyPath)
	if err != nil {
		elog.Fatalf("reading policy document: %v", err)
	}
	pol, err := policy.Parse(raw)
	if err != nil {
		elog.Fatalf("parsing policy document: %v", err)
	}

	var psaRootKey []byte
	if *enablePSA {
		if *psaRootKeyFP == "" {
			elog.Fatal("-psa-root-key is required when -enable-psa is set")
		}
		psaRootKey, err = os.ReadFile(*psaRootKeyFP)
		if err != nil {
			elog.Fatalf("reading PSA root key: %v", err)
		}
	}

	cfg := &attestproxy.Config{
		Addr:        *addr,
		CACertPath:  *caCertPath,
		CAKeyPath:   *caKeyPath,
		Policy:      pol,
		EnableNitro: *enableNitro,
		EnablePSA:   *enablePSA,
		PSARootKey:  psaRootKey,
		Debug:       *debug,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	svc, err := attestproxy.NewService(cfg, registry)
	if err != nil {
		elog.Fatalf("failed to start attestation service: %v", err)
	}

	go serveMetrics(*metricsAddr, registry)

	elog.Printf("listening on %s (nitro=%v psa=%v)", *addr, *enableNitro, *enablePSA)
	if err := http.ListenAndServe(*addr, svc); err != nil && !errors.Is(err, http.ErrServerClosed) {
		elog.Fatalf("attestation service stopped: %v", err)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	elog.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		elog.Printf("metrics server stopped: %v", err)
	}
}

// setFdLimit raises the process's file descriptor limits; the attestation
// service accepts one connection per attestation round trip and can run
// out of descriptors quickly under load otherwise.
func setFdLimit(cur, max uint64) error {
	limit := unix.Rlimit{Cur: cur, Max: max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("setrlimit: %w", err)
	}
	return nil
}
