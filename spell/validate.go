package spell

import (
	"fmt"
	"math/bits"

	"github.com/gathogajanice/charmcards"
)

// Validate checks the invariants every spell sent to the prover must hold:
// all referenced tags exist in Apps with a matching value type, token
// outputs never exceed token inputs (a mint may create exactly the NFT's
// initial amount), each NFT lands in exactly one output, and every output
// pays at least the dust limit to an address of the network.
func Validate(s *Spell, net charmcards.Network, op Op) error {
	if s == nil {
		return fmt.Errorf("%w: nil spell", charmcards.ErrInvalidSpell)
	}
	if s.Version <= 0 {
		return fmt.Errorf("%w: version %d", charmcards.ErrInvalidSpell, s.Version)
	}
	if len(s.Outs) == 0 {
		return fmt.Errorf("%w: no outputs", charmcards.ErrInvalidSpell)
	}

	appTypes := make(map[string]string, len(s.Apps))
	for tag, id := range s.Apps {
		appType, _, _, err := ParseAppID(id)
		if err != nil {
			return fmt.Errorf("%w: app %s: %v", charmcards.ErrInvalidSpell, tag, err)
		}
		appTypes[tag] = appType
	}
	for tag := range s.PrivateInputs {
		if _, ok := appTypes[tag]; !ok {
			return fmt.Errorf("%w: private input tag %s not in apps", charmcards.ErrInvalidSpell, tag)
		}
	}

	checkCharms := func(where string, charms Charms) error {
		for tag, c := range charms {
			appType, ok := appTypes[tag]
			if !ok {
				return fmt.Errorf("%w: %s references tag %s not in apps",
					charmcards.ErrInvalidSpell, where, tag)
			}
			if (appType == AppTypeNFT) != c.IsNFT() {
				return fmt.Errorf("%w: %s tag %s holds the wrong charm type for app type %q",
					charmcards.ErrInvalidSpell, where, tag, appType)
			}
		}
		return nil
	}

	inTokens := make(map[string]uint64)
	inNFTs := make(map[string]int)
	seen := make(map[string]struct{}, len(s.Ins))
	for i, in := range s.Ins {
		id, err := charmcards.ParseUtxoID(in.UtxoID)
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", charmcards.ErrInvalidSpell, i, err)
		}
		if _, dup := seen[id.String()]; dup {
			return fmt.Errorf("%w: input %s spent twice", charmcards.ErrInvalidSpell, id)
		}
		seen[id.String()] = struct{}{}
		if err := checkCharms(fmt.Sprintf("input %d", i), in.Charms); err != nil {
			return err
		}
		for tag, c := range in.Charms {
			if c.IsNFT() {
				inNFTs[tag]++
			} else if err := addTokens(inTokens, tag, c.Amount); err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
		}
	}

	outTokens := make(map[string]uint64)
	outNFTs := make(map[string]int)
	var mintedCard *GiftCard
	for i, out := range s.Outs {
		if err := charmcards.ValidateAddress(out.Address, net); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
		if out.Sats < charmcards.DustLimit {
			return fmt.Errorf("%w: output %d pays %d sats, below dust limit %d",
				charmcards.ErrInvalidSpell, i, out.Sats, charmcards.DustLimit)
		}
		if err := checkCharms(fmt.Sprintf("output %d", i), out.Charms); err != nil {
			return err
		}
		for tag, c := range out.Charms {
			if c.IsNFT() {
				outNFTs[tag]++
				if inNFTs[tag] == 0 {
					mintedCard = c.NFT
				}
			} else if err := addTokens(outTokens, tag, c.Amount); err != nil {
				return fmt.Errorf("output %d: %w", i, err)
			}
		}
	}

	for tag, appType := range appTypes {
		if appType != AppTypeNFT {
			continue
		}
		if inNFTs[tag] > 1 {
			return fmt.Errorf("%w: nft %s spent from %d inputs", charmcards.ErrInvalidSpell, tag, inNFTs[tag])
		}
		if inNFTs[tag] == 0 && outNFTs[tag] == 0 {
			continue
		}
		if outNFTs[tag] != 1 {
			return fmt.Errorf("%w: nft %s must appear in exactly one output, found %d",
				charmcards.ErrInvalidSpell, tag, outNFTs[tag])
		}
	}

	for tag, appType := range appTypes {
		if appType != AppTypeToken {
			continue
		}
		out, in := outTokens[tag], inTokens[tag]
		if op == OpMint && in == 0 {
			if mintedCard == nil || out != mintedCard.InitialAmount {
				return fmt.Errorf("%w: minted token %s amount %d does not match the card's initial amount",
					charmcards.ErrInvalidSpell, tag, out)
			}
			continue
		}
		if out > in {
			return fmt.Errorf("%w: token %s outputs %d exceed inputs %d",
				charmcards.ErrInvalidSpell, tag, out, in)
		}
	}
	return nil
}

// addTokens adds amount to sums[tag], failing instead of wrapping.
func addTokens(sums map[string]uint64, tag string, amount uint64) error {
	sum, carry := bits.Add64(sums[tag], amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: token %s amount overflows", charmcards.ErrInvalidSpell, tag)
	}
	sums[tag] = sum
	return nil
}
