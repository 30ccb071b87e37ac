package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Pool: PoolConfig{
			AuthorityKeypairPath: "/keys/authority.json",
			ProofPubkey:          "proofpubkeyhere",
			ProgramID:            "programidhere",
			CommissionPercent:    5,
		},
		Chain: ChainConfig{
			RPCURL: "http://127.0.0.1:8899",
			Buses:  []int{0, 1},
		},
		Epoch: EpochConfig{
			ExpectedMinDifficulty: 8,
			BufferTime:            5 * time.Second,
		},
		Store: StoreConfig{Path: "./orepool.sqlite"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "missing authority keypair path",
			mutate:  func(c *Config) { c.Pool.AuthorityKeypairPath = "" },
			wantErr: "pool.authority_keypair_path is required",
		},
		{
			name:    "missing proof pubkey",
			mutate:  func(c *Config) { c.Pool.ProofPubkey = "" },
			wantErr: "pool.proof_pubkey is required",
		},
		{
			name:    "commission over 100",
			mutate:  func(c *Config) { c.Pool.CommissionPercent = 101 },
			wantErr: "pool.commission_percent must be between 0 and 100",
		},
		{
			name:    "missing rpc url",
			mutate:  func(c *Config) { c.Chain.RPCURL = "" },
			wantErr: "chain.rpc_url is required",
		},
		{
			name:    "empty bus list",
			mutate:  func(c *Config) { c.Chain.Buses = nil },
			wantErr: "chain.buses must list at least one bus index",
		},
		{
			name:    "difficulty floor below MIN_DIFF",
			mutate:  func(c *Config) { c.Epoch.ExpectedMinDifficulty = 4 },
			wantErr: "epoch.expected_min_difficulty must be >= 8",
		},
		{
			name:    "negative buffer time",
			mutate:  func(c *Config) { c.Epoch.BufferTime = -1 * time.Second },
			wantErr: "epoch.buffer_time must be >= 0",
		},
		{
			name:    "missing store path",
			mutate:  func(c *Config) { c.Store.Path = "" },
			wantErr: "store.path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want an error")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("Validate() = %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadWithTempConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
pool:
  authority_keypair_path: "/keys/authority.json"
  proof_pubkey: "proofpubkeyhere"
  program_id: "programidhere"
  commission_percent: 2

chain:
  rpc_url: "http://127.0.0.1:8899"
  buses: [0, 1, 2]

epoch:
  expected_min_difficulty: 9
  buffer_time: 7s

store:
  path: "./test.sqlite"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pool.ProofPubkey != "proofpubkeyhere" {
		t.Errorf("Pool.ProofPubkey = %s, want proofpubkeyhere", cfg.Pool.ProofPubkey)
	}
	if cfg.Chain.RPCURL != "http://127.0.0.1:8899" {
		t.Errorf("Chain.RPCURL = %s, want http://127.0.0.1:8899", cfg.Chain.RPCURL)
	}
	if len(cfg.Chain.Buses) != 3 {
		t.Errorf("Chain.Buses = %v, want 3 entries", cfg.Chain.Buses)
	}
	if cfg.Epoch.ExpectedMinDifficulty != 9 {
		t.Errorf("Epoch.ExpectedMinDifficulty = %d, want 9", cfg.Epoch.ExpectedMinDifficulty)
	}
	if cfg.Epoch.BufferTime != 7*time.Second {
		t.Errorf("Epoch.BufferTime = %s, want 7s", cfg.Epoch.BufferTime)
	}

	// defaults should still apply to sections the file didn't set
	if cfg.Conn.MaxPerIP != 8 {
		t.Errorf("Conn.MaxPerIP default = %d, want 8", cfg.Conn.MaxPerIP)
	}
	if cfg.API.Bind != "0.0.0.0:8080" {
		t.Errorf("API.Bind default = %s, want 0.0.0.0:8080", cfg.API.Bind)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Missing required proof_pubkey.
	configContent := `
pool:
  authority_keypair_path: "/keys/authority.json"

chain:
  rpc_url: "http://127.0.0.1:8899"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should return an error for invalid config")
	}
}

func TestLoadNonexistentConfig(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() should return an error for a non-existent config path")
	}
}
