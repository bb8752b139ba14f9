// SPDX-License-Identifier: Apache-2.0
package genesis

// Package genesis loads the designated genesis file, the YAML document
// describing the network's initial domains, accounts, asset definitions,
// validators and parameters. Its instruction sequence produces block 0 at
// bootstrap, and its hash is pinned in node configuration so peers refuse
// to join a network with a different genesis.

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"irohad/core"
)

// Doc is the YAML shape of a genesis file.
type Doc struct {
	ChainID string `yaml:"chain_id"`

	Domains []struct {
		Name string `yaml:"name"`
	} `yaml:"domains"`

	Accounts []struct {
		Name       string   `yaml:"name"`
		Domain     string   `yaml:"domain"`
		PublicKeys []string `yaml:"public_keys"` // hex-encoded ed25519 public keys
		Threshold  int      `yaml:"threshold"`
	} `yaml:"accounts"`

	AssetDefinitions []struct {
		Name     string `yaml:"name"`
		Domain   string `yaml:"domain"`
		Decimals uint8  `yaml:"decimals"`
		Mintable bool   `yaml:"mintable"`
	} `yaml:"asset_definitions"`

	Validators []struct {
		PublicKey string `yaml:"public_key"` // hex-encoded BLS public key
	} `yaml:"validators"`

	Parameters map[string]string `yaml:"parameters"`
}

// Load reads and parses a genesis YAML document from path.
func Load(path string) (*Doc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read %s: %w", path, err)
	}
	var doc Doc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("genesis: parse %s: %w", path, err)
	}
	return &doc, nil
}

// Build turns doc into the sequence of instructions that, applied to an
// empty world state as block 0, establish the network's initial domains,
// accounts, asset definitions, validators and parameters.
func Build(doc *Doc) ([]core.Instruction, error) {
	var instrs []core.Instruction

	for _, d := range doc.Domains {
		ins, err := core.NewRegisterDomain(d.Name)
		if err != nil {
			return nil, fmt.Errorf("genesis: domain %q: %w", d.Name, err)
		}
		instrs = append(instrs, ins)
	}

	for _, a := range doc.Accounts {
		keys := make([]core.PublicKey, 0, len(a.PublicKeys))
		for _, hx := range a.PublicKeys {
			raw, err := hex.DecodeString(hx)
			if err != nil {
				return nil, fmt.Errorf("genesis: account %s@%s public key: %w", a.Name, a.Domain, err)
			}
			if len(raw) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("genesis: account %s@%s: public key must be %d bytes, got %d", a.Name, a.Domain, ed25519.PublicKeySize, len(raw))
			}
			keys = append(keys, core.PublicKey(raw))
		}
		threshold := a.Threshold
		if threshold <= 0 {
			threshold = 1
		}
		ins, err := core.NewRegisterAccount(core.AccountID{Name: a.Name, Domain: a.Domain}, keys, threshold)
		if err != nil {
			return nil, fmt.Errorf("genesis: account %s@%s: %w", a.Name, a.Domain, err)
		}
		instrs = append(instrs, ins)
	}

	for _, ad := range doc.AssetDefinitions {
		ins, err := core.NewRegisterAssetDefinition(core.AssetDefinitionID{Name: ad.Name, Domain: ad.Domain}, core.NumericFixed, ad.Decimals, ad.Mintable)
		if err != nil {
			return nil, fmt.Errorf("genesis: asset definition %s#%s: %w", ad.Name, ad.Domain, err)
		}
		instrs = append(instrs, ins)
	}

	for _, v := range doc.Validators {
		raw, err := hex.DecodeString(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("genesis: validator key: %w", err)
		}
		ins, err := core.NewRegisterValidator(core.PublicKey(raw))
		if err != nil {
			return nil, fmt.Errorf("genesis: validator: %w", err)
		}
		instrs = append(instrs, ins)
	}

	for k, v := range doc.Parameters {
		pv, err := parseParameterValue(v)
		if err != nil {
			return nil, fmt.Errorf("genesis: parameter %s: %w", k, err)
		}
		ins, err := core.NewSetParameter(core.ParameterID(k), pv)
		if err != nil {
			return nil, fmt.Errorf("genesis: parameter %s: %w", k, err)
		}
		instrs = append(instrs, ins)
	}

	return instrs, nil
}

// parseParameterValue interprets a genesis parameter's string form as an
// int64 if possible, then "true"/"false" as a bool, falling back to
// carrying it as a raw string; the
// executor's SetParameter handler (core/scratch.go) disambiguates by the
// ParameterValue's populated field.
func parseParameterValue(s string) (core.ParameterValue, error) {
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		return core.ParameterValue{Int: n}, nil
	}
	if s == "true" || s == "false" {
		return core.ParameterValue{Bool: s == "true"}, nil
	}
	return core.ParameterValue{Str: s}, nil
}

// GenesisHash computes the pinned identity hash of doc's instruction
// sequence; a joining peer refuses a network whose genesis does not match
// its own configured hash.
func GenesisHash(instrs []core.Instruction) core.Hash {
	var buf []byte
	for _, ins := range instrs {
		buf = append(buf, byte(ins.Kind))
		buf = append(buf, ins.Payload...)
	}
	return core.HashBytes(buf)
}
