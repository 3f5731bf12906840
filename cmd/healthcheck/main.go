// Command healthcheck probes the local API and exits non-zero when it is
// unhealthy. Intended as a container HEALTHCHECK; probes /healthz by default,
// or /readyz when invoked with "ready".
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	path := "/healthz"
	if len(os.Args) > 1 && os.Args[1] == "ready" {
		path = "/readyz"
	}
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8420"
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}

	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
