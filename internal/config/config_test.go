package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const factoryHex = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadUsesDeploymentsFile(t *testing.T) {
	dir := t.TempDir()
	deployments := writeFile(t, dir, "deployments.json", `{"chainId":31337,"contracts":{"CampaignFactory":"`+factoryHex+`"}}`)
	t.Setenv("CROWDFUND_CHAIN_DEPLOYMENTS_PATH", deployments)

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.Factory != common.HexToAddress(factoryHex) {
		t.Fatalf("unexpected factory %s", cfg.Chain.Factory.Hex())
	}
	if cfg.Chain.ChainID != 31337 {
		t.Fatalf("expected chain id from deployments, got %d", cfg.Chain.ChainID)
	}
	if cfg.Chain.Confirmations != 1 || cfg.Chain.PollInterval != 2*time.Second {
		t.Fatalf("unexpected chain defaults %+v", cfg.Chain)
	}
	if cfg.HTTP.Addr() != "127.0.0.1:3000" || cfg.Idempotency.Backend != "memory" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", strings.Join([]string{
		"log_level: debug",
		"http:",
		"  port: 4000",
		"chain:",
		"  rpc_url: http://node:8545",
		"  confirmations: 3",
		"  factory_address: \"0x0000000000000000000000000000000000000001\"",
		"sync:",
		"  interval: 10s",
	}, "\n"))
	t.Setenv("CROWDFUND_FACTORY_ADDRESS", factoryHex)
	t.Setenv("CROWDFUND_HTTP_PORT", "4100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Chain.RPCURL != "http://node:8545" || cfg.Chain.Confirmations != 3 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.HTTP.Port != 4100 {
		t.Fatalf("env should override file, got port %d", cfg.HTTP.Port)
	}
	if cfg.Chain.Factory != common.HexToAddress(factoryHex) {
		t.Fatalf("CROWDFUND_FACTORY_ADDRESS should win, got %s", cfg.Chain.Factory.Hex())
	}
	if cfg.Sync.Interval != 10*time.Second {
		t.Fatalf("unexpected sync interval %s", cfg.Sync.Interval)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad factory":       {"CROWDFUND_FACTORY_ADDRESS": "not-an-address"},
		"zero confirmation": {"CROWDFUND_FACTORY_ADDRESS": factoryHex, "CROWDFUND_CHAIN_CONFIRMATIONS": "0"},
		"zero poll":         {"CROWDFUND_FACTORY_ADDRESS": factoryHex, "CROWDFUND_CHAIN_POLL_INTERVAL": "0s"},
		"unknown backend":   {"CROWDFUND_FACTORY_ADDRESS": factoryHex, "CROWDFUND_IDEMPOTENCY_BACKEND": "etcd"},
		"postgres no dsn":   {"CROWDFUND_FACTORY_ADDRESS": factoryHex, "CROWDFUND_IDEMPOTENCY_BACKEND": "postgres"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadMissingDeployments(t *testing.T) {
	t.Setenv("CROWDFUND_CHAIN_DEPLOYMENTS_PATH", filepath.Join(t.TempDir(), "nope.json"))
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatalf("expected error without factory address or deployments")
	}
}
