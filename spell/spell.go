// Package spell builds and validates the charm spell descriptors sent to
// the Prover API.
//
// A spell names the apps it touches in Apps, keyed by short tags ("$00",
// "$01"), and refers to those tags from the charm maps of its inputs and
// outputs. The JSON encoding of Spell is the prover's wire contract.
package spell

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the spell format version understood by the prover.
const ProtocolVersion = 4

// Tags used for the gift-card apps.
const (
	NFTTag   = "$00"
	TokenTag = "$01"
)

// App type prefixes of an app identifier "<type>/<identity>/<vk>".
const (
	AppTypeNFT   = "n"
	AppTypeToken = "t"
)

// Op is the kind of state transition a spell performs.
type Op string

const (
	OpMint     Op = "mint"
	OpTransfer Op = "transfer"
	OpRedeem   Op = "redeem"
	OpBurn     Op = "burn"
)

// ParseOp validates an operation name.
func ParseOp(s string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(s))); op {
	case OpMint, OpTransfer, OpRedeem, OpBurn:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// GiftCard is the NFT metadata of a gift card charm.
type GiftCard struct {
	Brand            string `json:"brand"`
	Image            string `json:"image"`
	InitialAmount    uint64 `json:"initial_amount"`
	ExpirationDate   uint64 `json:"expiration_date"`
	CreatedAt        uint64 `json:"created_at"`
	RemainingBalance uint64 `json:"remaining_balance"`
}

// Charm is the value an app tag holds in an input or output: NFT metadata
// for NFT apps, a balance in minor units for token apps.
type Charm struct {
	NFT    *GiftCard
	Amount uint64
}

// NFTCharm wraps gift card metadata.
func NFTCharm(card GiftCard) Charm {
	c := card
	return Charm{NFT: &c}
}

// TokenCharm wraps a token balance.
func TokenCharm(amount uint64) Charm {
	return Charm{Amount: amount}
}

// IsNFT reports whether the charm carries NFT metadata.
func (c Charm) IsNFT() bool { return c.NFT != nil }

func (c Charm) MarshalJSON() ([]byte, error) {
	if c.NFT != nil {
		return json.Marshal(c.NFT)
	}
	return json.Marshal(c.Amount)
}

func (c *Charm) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("empty charm value")
	}
	if b[0] == '{' {
		var card GiftCard
		if err := json.Unmarshal(b, &card); err != nil {
			return fmt.Errorf("nft charm: %w", err)
		}
		*c = Charm{NFT: &card}
		return nil
	}
	var amount uint64
	if err := json.Unmarshal(b, &amount); err != nil {
		return fmt.Errorf("token charm: %w", err)
	}
	*c = Charm{Amount: amount}
	return nil
}

// Charms maps app tags to charm values.
type Charms map[string]Charm

// Input is a UTXO spent by the spell and the charms it holds.
type Input struct {
	UtxoID string `json:"utxo_id"`
	Charms Charms `json:"charms,omitempty"`
}

// Output is a UTXO created by the spell.
type Output struct {
	Address string `json:"address"`
	Charms  Charms `json:"charms,omitempty"`
	Sats    uint64 `json:"sats"`
}

// Spell is the descriptor of a charm state transition.
type Spell struct {
	Version int               `json:"version"`
	Apps    map[string]string `json:"apps"`
	// PrivateInputs carries per-app witness data; the gift-card mint puts
	// the funding UTXO id under the NFT tag.
	PrivateInputs map[string]string `json:"private_inputs,omitempty"`
	Ins           []Input           `json:"ins"`
	Outs          []Output          `json:"outs"`
}

// AppID formats an app identifier.
func AppID(appType, identity, vk string) string {
	return appType + "/" + identity + "/" + vk
}

// ParseAppID splits an app identifier into type, identity and vk.
func ParseAppID(s string) (appType, identity, vk string, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("bad app id %q: want type/identity/vk", s)
	}
	switch parts[0] {
	case AppTypeNFT, AppTypeToken:
	default:
		return "", "", "", fmt.Errorf("bad app id %q: unknown app type %q", s, parts[0])
	}
	return parts[0], parts[1], parts[2], nil
}

// Encode serializes the spell to its wire form.
func (s *Spell) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a spell from its wire form.
func Decode(b []byte) (*Spell, error) {
	var s Spell
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode spell: %w", err)
	}
	s.normalize()
	return &s, nil
}

// normalize stores empty optional maps as nil, the form they decode to,
// so Decode(Encode(s)) equals s.
func (s *Spell) normalize() {
	if len(s.PrivateInputs) == 0 {
		s.PrivateInputs = nil
	}
	for i := range s.Ins {
		if len(s.Ins[i].Charms) == 0 {
			s.Ins[i].Charms = nil
		}
	}
	for i := range s.Outs {
		if len(s.Outs[i].Charms) == 0 {
			s.Outs[i].Charms = nil
		}
	}
}

// NFT returns the gift card carried by the spell's outputs, if any.
func (s *Spell) NFT() (GiftCard, bool) {
	for _, o := range s.Outs {
		if c, ok := o.Charms[NFTTag]; ok && c.NFT != nil {
			return *c.NFT, true
		}
	}
	return GiftCard{}, false
}
