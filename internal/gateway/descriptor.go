package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// requiredMethods and requiredEvents must be present in the descriptor ABI.
var (
	requiredMethods = []string{
		"registerPublicKey", "hasPublicKey", "getPublicKey", "sendMessage",
		"getConversation", "getMessages", "getContacts", "getLastMessage",
		"getUnreadMessageCount", "totalMessages", "markMessageAsRead",
	}
	requiredEvents = []string{"MessageSent", "PublicKeyRegistered"}
)

// Descriptor is the deployment artifact written next to the contract:
// {address, abi, network, chainId, deployedAt, explorerUrl}.
type Descriptor struct {
	Address     common.Address
	ABI         abi.ABI
	Network     string
	ChainID     uint64
	DeployedAt  time.Time
	ExplorerURL string
}

type descriptorFile struct {
	Address     string          `json:"address"`
	ABI         json.RawMessage `json:"abi"`
	Network     string          `json:"network"`
	ChainID     uint64          `json:"chainId"`
	DeployedAt  string          `json:"deployedAt"`
	ExplorerURL string          `json:"explorerUrl"`
}

// LoadDescriptor reads and validates the descriptor at path. A missing or
// invalid address or ABI is an error; the gateway cannot start without both.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract descriptor: %w", err)
	}
	return ParseDescriptor(data)
}

// ParseDescriptor validates raw descriptor JSON.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var f descriptorFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode contract descriptor: %w", err)
	}
	if !common.IsHexAddress(f.Address) {
		return nil, fmt.Errorf("contract descriptor: invalid or missing address %q", f.Address)
	}
	addr := common.HexToAddress(f.Address)
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("contract descriptor: zero address")
	}
	if len(bytes.TrimSpace(f.ABI)) == 0 || string(bytes.TrimSpace(f.ABI)) == "null" {
		return nil, fmt.Errorf("contract descriptor: missing abi")
	}
	parsed, err := abi.JSON(bytes.NewReader(f.ABI))
	if err != nil {
		return nil, fmt.Errorf("contract descriptor: parse abi: %w", err)
	}
	for _, m := range requiredMethods {
		if _, ok := parsed.Methods[m]; !ok {
			return nil, fmt.Errorf("contract descriptor: abi lacks method %s", m)
		}
	}
	for _, e := range requiredEvents {
		if _, ok := parsed.Events[e]; !ok {
			return nil, fmt.Errorf("contract descriptor: abi lacks event %s", e)
		}
	}

	d := &Descriptor{
		Address:     addr,
		ABI:         parsed,
		Network:     f.Network,
		ChainID:     f.ChainID,
		ExplorerURL: f.ExplorerURL,
	}
	if f.DeployedAt != "" {
		if ts, err := time.Parse(time.RFC3339, f.DeployedAt); err == nil {
			d.DeployedAt = ts
		}
	}
	return d, nil
}

// TxURL links a transaction on the block explorer, or returns "" without one.
func (d *Descriptor) TxURL(hash common.Hash) string {
	if d.ExplorerURL == "" {
		return ""
	}
	return strings.TrimRight(d.ExplorerURL, "/") + "/tx/" + hash.Hex()
}

// AddressURL links an account on the block explorer.
func (d *Descriptor) AddressURL(addr common.Address) string {
	if d.ExplorerURL == "" {
		return ""
	}
	return strings.TrimRight(d.ExplorerURL, "/") + "/address/" + addr.Hex()
}
