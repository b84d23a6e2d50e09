// Package tokens resolves the token identifiers the router speaks into
// per-network token definitions.
package tokens

import (
	"fmt"
	"strings"

	"github.com/Phathdt/pmm-sub000/internal/chain"
	"github.com/Phathdt/pmm-sub000/internal/config"
)

// Token is one settleable asset on one network.
type Token struct {
	TokenID   string // router-scoped token identifier
	NetworkID string
	Address   string // empty for the network's native asset
	Symbol    string
	Decimals  uint8
}

// Native reports whether the token is the network's native asset.
func (t Token) Native() bool { return t.Address == "" }

// Directory looks tokens up by on-chain address or router token id.
type Directory interface {
	GetToken(networkID, address string) (*Token, error)
	GetTokenByID(tokenID string) (*Token, error)
	ListByNetwork(networkID string) []*Token
}

// StaticDirectory serves a fixed token set loaded from configuration.
type StaticDirectory struct {
	byAddr map[string]*Token // networkID|loweraddr
	byID   map[string]*Token
}

// NewStaticDirectory indexes configured tokens, validating their networks
// against the chain registry.
func NewStaticDirectory(cfgs []config.TokenConfig) (*StaticDirectory, error) {
	d := &StaticDirectory{
		byAddr: make(map[string]*Token, len(cfgs)),
		byID:   make(map[string]*Token, len(cfgs)),
	}
	for _, c := range cfgs {
		if _, ok := chain.Get(c.NetworkID); !ok {
			return nil, fmt.Errorf("token %s: unknown network %s", c.TokenID, c.NetworkID)
		}
		t := &Token{
			TokenID:   c.TokenID,
			NetworkID: c.NetworkID,
			Address:   c.Address,
			Symbol:    strings.ToUpper(c.Symbol),
			Decimals:  c.Decimals,
		}
		d.byAddr[addrKey(c.NetworkID, c.Address)] = t
		d.byID[c.TokenID] = t
	}
	return d, nil
}

func addrKey(networkID, address string) string {
	return networkID + "|" + strings.ToLower(address)
}

func (d *StaticDirectory) GetToken(networkID, address string) (*Token, error) {
	t, ok := d.byAddr[addrKey(networkID, address)]
	if !ok {
		return nil, fmt.Errorf("unknown token %s on %s", address, networkID)
	}
	return t, nil
}

func (d *StaticDirectory) GetTokenByID(tokenID string) (*Token, error) {
	t, ok := d.byID[tokenID]
	if !ok {
		return nil, fmt.Errorf("unknown token id %s", tokenID)
	}
	return t, nil
}

func (d *StaticDirectory) ListByNetwork(networkID string) []*Token {
	var out []*Token
	for _, t := range d.byID {
		if t.NetworkID == networkID {
			out = append(out, t)
		}
	}
	return out
}
