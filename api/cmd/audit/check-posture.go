package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/irgordon/proxyctl/api/internal/adapters"
	"github.com/irgordon/proxyctl/api/internal/config"
)

// check is one audit point; fail is empty when it passes.
type check struct {
	name string
	run  func(cfg *config.Config) (pass string, fail string)
}

var checks = []check{
	{"engine binary", auditEngineBinary},
	{"state dir", auditStateDir},
	{"api secret", auditSecret},
}

func main() {
	fmt.Println("🔍 proxyctl: Running Posture Audit...")

	flagSet := pflag.NewFlagSet("check-posture", pflag.ExitOnError)
	config.RegisterFlags(flagSet)
	_ = flagSet.Parse(os.Args[1:])

	cfg, err := config.Load(flagSet)
	if err != nil {
		fmt.Printf("❌ FAIL: configuration: %v\n", err)
		os.Exit(1)
	}

	hasErrors := false
	for _, c := range checks {
		pass, fail := c.run(cfg)
		if fail != "" {
			fmt.Printf("❌ FAIL: %s: %s\n", c.name, fail)
			hasErrors = true
			continue
		}
		fmt.Printf("✅ PASS: %s: %s\n", c.name, pass)
	}

	fmt.Println("--------------------------------------------------")
	if hasErrors {
		fmt.Println("🚨 VERDICT: POSTURE FAILED.")
		os.Exit(1)
	}
	fmt.Println("🚀 VERDICT: POSTURE VALIDATED.")
}

func auditEngineBinary(cfg *config.Config) (string, string) {
	path, err := adapters.ResolveEngineBinary(cfg.EngineBinary)
	if err != nil {
		return "", err.Error()
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Sprintf("%s not found", path)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Sprintf("%s is not executable", path)
	}
	return path, ""
}

func auditStateDir(cfg *config.Config) (string, string) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return "", err.Error()
	}
	scratch, err := os.CreateTemp(cfg.StateDir, ".posture-*")
	if err != nil {
		return "", fmt.Sprintf("%s is not writable: %v", cfg.StateDir, err)
	}
	scratch.Close()
	os.Remove(scratch.Name())
	return filepath.Clean(cfg.StateDir) + " is writable", ""
}

func auditSecret(cfg *config.Config) (string, string) {
	if cfg.IsLoopback() {
		return "listener is loopback only", ""
	}
	if len(cfg.APISecret) < config.MinSecretLength {
		return "", fmt.Sprintf("listener %s is reachable from the network and PROXYCTL_API_SECRET is shorter than %d characters", cfg.Listen, config.MinSecretLength)
	}
	return "network listener is token protected", ""
}
