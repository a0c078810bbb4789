package main

import (
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.String("addr", "", "daemon address (default: PROXYCTL_LISTEN or 127.0.0.1:49490)")
	pflag.Parse()

	target := *addr
	if target == "" {
		target = os.Getenv("PROXYCTL_LISTEN")
	}
	if target == "" {
		target = "127.0.0.1:49490"
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + target + "/health")
	if err != nil {
		os.Exit(1) // container marks as UNHEALTHY
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
	os.Exit(0)
}
