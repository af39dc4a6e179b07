// Command tollpay fetches one URL, automatically paying an L402 challenge
// through a Nostr Wallet Connect wallet.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/lntoll/lntoll/client"
	"github.com/lntoll/lntoll/nwc"
)

func main() {
	url := flag.String("url", "", "URL to fetch")
	walletURL := flag.String("wallet", "", "nostr+walletconnect:// connection string (or NWC_URL env var)")
	maxSats := flag.Int64("max", client.DefaultMaxSats, "Budget ceiling in sats for a single request")
	method := flag.String("method", "GET", "HTTP method")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	verbose := flag.Bool("v", false, "Log protocol activity to stderr")
	flag.Parse()

	if *walletURL == "" {
		*walletURL = os.Getenv("NWC_URL")
	}
	if *url == "" || *walletURL == "" {
		fmt.Fprintln(os.Stderr, "usage: tollpay -url <url> -wallet <nwc-url> [-max sats]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	wallet, err := nwc.Dial(ctx, *walletURL, nwc.WithLogger(logger))
	if err != nil {
		log.Fatalf("connecting to wallet: %v", err)
	}
	defer wallet.Close()

	agent, err := client.New(wallet, client.WithMaxSats(*maxSats), client.WithLogger(logger))
	if err != nil {
		log.Fatalf("creating agent: %v", err)
	}

	resp, err := agent.Fetch(ctx, strings.ToUpper(*method), *url, nil)
	if err != nil {
		log.Fatalf("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("reading response: %v", err)
	}

	totals := agent.Totals()
	fmt.Fprintf(os.Stderr, "%s %s -> %s (paid %d sats)\n", *method, *url, resp.Status, totals.SpentSats)
	os.Stdout.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		fmt.Println()
	}
}
