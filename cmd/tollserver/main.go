// Command tollserver runs a demo API whose endpoints are paywalled with
// L402 challenges settled over Nostr Wallet Connect.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/lntoll/lntoll/internal/config"
	"github.com/lntoll/lntoll/internal/logging"
	"github.com/lntoll/lntoll/ledger"
	"github.com/lntoll/lntoll/nwc"
	"github.com/lntoll/lntoll/toll"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := logging.New(cfg.Server.LogFile)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logger.Close()
	go logger.RotateLog()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	walletOpts := []nwc.Option{nwc.WithLogger(logger.Std())}
	if cfg.Wallet.Encryption == "nip44" {
		walletOpts = append(walletOpts, nwc.WithEncryption(nwc.EncryptionNIP44))
	}
	wallet, err := nwc.Dial(ctx, cfg.Wallet.URL, walletOpts...)
	if err != nil {
		log.Fatalf("connecting to wallet: %v", err)
	}
	defer wallet.Close()
	logger.Info("wallet connected")

	stats := toll.NewStats()
	gateOpts := []toll.Option{
		toll.WithObserver(stats),
		toll.WithLogger(logger.Std()),
		toll.WithPaymentCallback(func(e toll.Event) {
			logger.Info("payment settled: %d sats for %s (hash %s)", e.AmountSats, e.Endpoint, e.PaymentHash)
		}),
	}
	if cfg.Toll.DefaultSats > 0 {
		gateOpts = append(gateOpts, toll.WithDefaultSats(cfg.Toll.DefaultSats))
	}
	if cfg.InvoiceExpiry > 0 {
		gateOpts = append(gateOpts, toll.WithInvoiceExpiry(cfg.InvoiceExpiry))
	}
	if cfg.MacaroonExpiry > 0 {
		gateOpts = append(gateOpts, toll.WithMacaroonExpiry(cfg.MacaroonExpiry))
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		gateOpts = append(gateOpts, toll.WithLedgerStore(ledger.NewRedisStore(client, "")))
		logger.Info("free-tier ledger backed by redis at %s", cfg.Redis.Addr)
	}

	gate, err := toll.New(cfg.Toll.Secret, wallet, gateOpts...)
	if err != nil {
		log.Fatalf("creating gate: %v", err)
	}

	r := newRouter(cfg, gate, stats)
	logger.Info("toll server listening on %s", cfg.Server.Listen)
	log.Printf("Server running on %s", cfg.Server.Listen)
	log.Fatal(http.ListenAndServe(cfg.Server.Listen, r))
}

func newRouter(cfg *config.ParsedConfig, gate *toll.Gate, stats *toll.Stats) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK\n"))
	}).Methods("GET")
	r.Handle("/stats", stats.Handler()).Methods("GET")

	for i, rt := range cfg.Routes {
		method := rt.Method
		if method == "" {
			method = "GET"
		}
		route := toll.Route{
			Pattern:      rt.Path,
			Sats:         rt.Sats,
			Description:  rt.Description,
			FreeRequests: rt.FreeRequests,
			FreeWindow:   cfg.FreeWindows[i],
		}
		r.Handle(rt.Path, gate.Middleware(route)(http.HandlerFunc(serveGated))).Methods(method)
	}
	return r
}

// serveGated answers once the gate has granted access. Real deployments
// put their own handlers behind the middleware instead.
func serveGated(w http.ResponseWriter, r *http.Request) {
	grant, _ := toll.GrantFrom(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"endpoint":  r.URL.Path,
		"paid":      grant != nil && grant.Paid,
		"free":      grant != nil && grant.Free,
		"timestamp": time.Now().Unix(),
	})
}
