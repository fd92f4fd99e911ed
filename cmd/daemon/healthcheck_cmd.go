// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/wishreel/wishreel/internal/platform/httpx"
)

// runHealthcheckCLI backs `wishreeld healthcheck`, the container health
// probe. Exit code 0 means the daemon answered the requested probe.
func runHealthcheckCLI(args []string) int {
	fs := flag.NewFlagSet("healthcheck", flag.ContinueOnError)
	mode := fs.String("mode", "ready", "probe to hit: ready or live")
	addr := fs.String("addr", "127.0.0.1:8080", "API address to check")
	timeout := fs.Duration("timeout", 5*time.Second, "check timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := "/readyz"
	if *mode == "live" {
		path = "/healthz"
	}

	client := httpx.NewClient(*timeout)
	resp, err := client.Get("http://" + *addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %s\n", resp.Status)
		return 1
	}
	fmt.Printf("healthcheck ok (%s)\n", *mode)
	return 0
}
