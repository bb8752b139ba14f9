// SPDX-License-Identifier: Apache-2.0
package genesis

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"irohad/core"
)

const sampleGenesis = `chain_id: "0"
domains:
  - name: wonderland
accounts:
  - name: alice
    domain: wonderland
    public_keys:
      - "%s"
    threshold: 1
asset_definitions:
  - name: rose
    domain: wonderland
    decimals: 2
    mintable: true
validators:
  - public_key: "aabbcc"
parameters:
  max_transactions_per_block: "512"
`

func writeGenesis(t *testing.T) string {
	t.Helper()
	pub, _, err := core.GenerateEd25519()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	content := fmt.Sprintf(sampleGenesis, hex.EncodeToString(pub))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadAndBuild(t *testing.T) {
	path := writeGenesis(t)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.ChainID != "0" {
		t.Fatalf("chain id %q", doc.ChainID)
	}

	instrs, err := Build(doc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// domain + account + asset definition + validator + parameter
	if len(instrs) != 5 {
		t.Fatalf("instruction count %d, want 5", len(instrs))
	}
	if instrs[0].Kind != core.InstructionRegisterDomain {
		t.Fatalf("first instruction must register the domain")
	}
}

func TestGenesisHashPinning(t *testing.T) {
	path := writeGenesis(t)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	instrs, err := Build(doc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	h1 := GenesisHash(instrs)
	h2 := GenesisHash(instrs)
	if h1 != h2 {
		t.Fatalf("hash must be deterministic")
	}

	doc.Domains = append(doc.Domains, struct {
		Name string `yaml:"name"`
	}{Name: "looking-glass"})
	altered, err := Build(doc)
	if err != nil {
		t.Fatalf("build altered: %v", err)
	}
	if GenesisHash(altered) == h1 {
		t.Fatalf("different genesis content must pin a different hash")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file must error")
	}
}

func TestBuildRejectsBadAccountKey(t *testing.T) {
	doc := &Doc{ChainID: "0"}
	doc.Accounts = append(doc.Accounts, struct {
		Name       string   `yaml:"name"`
		Domain     string   `yaml:"domain"`
		PublicKeys []string `yaml:"public_keys"`
		Threshold  int      `yaml:"threshold"`
	}{Name: "alice", Domain: "wonderland", PublicKeys: []string{"zz-not-hex"}})

	if _, err := Build(doc); err == nil {
		t.Fatalf("malformed key must error")
	}
}
