package spell

import (
	"fmt"
	"strings"

	"github.com/gathogajanice/charmcards"
)

// Request is a user intent on one gift card.
type Request struct {
	Op      Op                 `json:"op"`
	Network charmcards.Network `json:"network"`

	// Card is the NFT metadata of the target charm. For mint it is the
	// card being created.
	Card GiftCard `json:"card"`
	// Balance is the card's current token balance. Ignored by mint.
	Balance uint64 `json:"balance"`

	// UTXO holds the charm being spent; for mint it is the funding UTXO
	// whose id seeds the app identity.
	UTXO charmcards.UTXO `json:"utxo"`

	// AppIdentity and AppVK locate the gift-card apps. Mint derives the
	// identity from UTXO and only needs the vk.
	AppIdentity string `json:"app_identity,omitempty"`
	AppVK       string `json:"app_vk"`

	// OwnerAddress receives the minted card and keeps it on redeem.
	OwnerAddress string `json:"owner_address,omitempty"`
	// Recipient is the transfer destination.
	Recipient string `json:"recipient,omitempty"`
	// Amount is the value moved by transfer (defaults to the full
	// balance) or spent by redeem.
	Amount uint64 `json:"amount,omitempty"`

	// Sats is the value of each output. Zero means the dust limit.
	Sats uint64 `json:"sats,omitempty"`
}

func validationErr(err error) error {
	return charmcards.NewError(charmcards.KindValidation, "build spell", err)
}

// Build turns a request into a validated spell. It performs no I/O and
// returns the same spell for the same request.
func Build(req Request) (*Spell, error) {
	if _, err := charmcards.ParseNetwork(string(req.Network)); err != nil {
		return nil, validationErr(fmt.Errorf("%w: %v", charmcards.ErrInvalidSpell, err))
	}
	sats := req.Sats
	if sats == 0 {
		sats = charmcards.DustLimit
	}
	if sats < charmcards.DustLimit {
		return nil, validationErr(fmt.Errorf("%w: output value %d below dust limit %d",
			charmcards.ErrInvalidSpell, sats, charmcards.DustLimit))
	}
	if strings.TrimSpace(req.AppVK) == "" {
		return nil, validationErr(fmt.Errorf("%w: app vk is required", charmcards.ErrInvalidSpell))
	}
	utxoID, err := charmcards.ParseUtxoID(req.UTXO.ID())
	if err != nil {
		return nil, validationErr(fmt.Errorf("%w: %v", charmcards.ErrInvalidSpell, err))
	}

	var s *Spell
	switch req.Op {
	case OpMint:
		s, err = buildMint(req, utxoID, sats)
	case OpTransfer:
		s, err = buildTransfer(req, utxoID, sats)
	case OpRedeem:
		s, err = buildRedeem(req, utxoID, sats)
	case OpBurn:
		s, err = buildBurn(req, utxoID, sats)
	default:
		err = fmt.Errorf("%w: unknown operation %q", charmcards.ErrInvalidSpell, req.Op)
	}
	if err != nil {
		return nil, validationErr(err)
	}
	s.normalize()
	if err := Validate(s, req.Network, req.Op); err != nil {
		return nil, validationErr(err)
	}
	return s, nil
}

func giftCardApps(identity, vk string) map[string]string {
	return map[string]string{
		NFTTag:   AppID(AppTypeNFT, identity, vk),
		TokenTag: AppID(AppTypeToken, identity, vk),
	}
}

// cardCharms is the charm set of a card UTXO. A zero balance carries no
// token charm.
func cardCharms(card GiftCard, balance uint64) Charms {
	c := Charms{NFTTag: NFTCharm(card)}
	if balance > 0 {
		c[TokenTag] = TokenCharm(balance)
	}
	return c
}

func existingCard(req Request) error {
	if strings.TrimSpace(req.AppIdentity) == "" {
		return fmt.Errorf("%w: app identity is required", charmcards.ErrInvalidSpell)
	}
	if req.Card.RemainingBalance != req.Balance {
		return fmt.Errorf("%w: card remaining balance %d does not match token balance %d",
			charmcards.ErrInvalidSpell, req.Card.RemainingBalance, req.Balance)
	}
	return nil
}

func buildMint(req Request, funding charmcards.UtxoID, sats uint64) (*Spell, error) {
	if err := charmcards.ValidateAddress(req.OwnerAddress, req.Network); err != nil {
		return nil, err
	}
	if req.Card.InitialAmount == 0 {
		return nil, fmt.Errorf("%w: initial amount must be positive", charmcards.ErrInvalidSpell)
	}
	if strings.TrimSpace(req.Card.Brand) == "" {
		return nil, fmt.Errorf("%w: brand is required", charmcards.ErrInvalidSpell)
	}
	card := req.Card
	card.RemainingBalance = card.InitialAmount

	fundingID := funding.String()
	return &Spell{
		Version:       ProtocolVersion,
		Apps:          giftCardApps(charmcards.AppIdentity(fundingID), req.AppVK),
		PrivateInputs: map[string]string{NFTTag: fundingID},
		Ins:           []Input{{UtxoID: fundingID}},
		Outs: []Output{{
			Address: req.OwnerAddress,
			Charms:  cardCharms(card, card.InitialAmount),
			Sats:    sats,
		}},
	}, nil
}

func buildTransfer(req Request, utxo charmcards.UtxoID, sats uint64) (*Spell, error) {
	if err := charmcards.ValidateAddress(req.Recipient, req.Network); err != nil {
		return nil, err
	}
	amount := req.Amount
	if amount == 0 {
		amount = req.Balance
	}
	if amount > req.Balance {
		return nil, fmt.Errorf("%w: transfer of %d exceeds balance %d",
			charmcards.ErrInsufficientCharm, amount, req.Balance)
	}
	if err := existingCard(req); err != nil {
		return nil, err
	}
	if amount < req.Balance {
		return nil, fmt.Errorf("%w: partial transfer of %d out of %d; the card moves whole, use redeem to spend part of it",
			charmcards.ErrInvalidSpell, amount, req.Balance)
	}
	return &Spell{
		Version: ProtocolVersion,
		Apps:    giftCardApps(req.AppIdentity, req.AppVK),
		Ins: []Input{{
			UtxoID: utxo.String(),
			Charms: cardCharms(req.Card, req.Balance),
		}},
		Outs: []Output{{
			Address: req.Recipient,
			Charms:  cardCharms(req.Card, req.Balance),
			Sats:    sats,
		}},
	}, nil
}

func buildRedeem(req Request, utxo charmcards.UtxoID, sats uint64) (*Spell, error) {
	if err := charmcards.ValidateAddress(req.OwnerAddress, req.Network); err != nil {
		return nil, err
	}
	if req.Amount > req.Balance {
		return nil, fmt.Errorf("%w: redeem of %d exceeds balance %d",
			charmcards.ErrInsufficientCharm, req.Amount, req.Balance)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: redeem amount must be positive", charmcards.ErrInvalidSpell)
	}
	if err := existingCard(req); err != nil {
		return nil, err
	}
	remaining := req.Balance - req.Amount
	card := req.Card
	card.RemainingBalance = remaining
	return &Spell{
		Version: ProtocolVersion,
		Apps:    giftCardApps(req.AppIdentity, req.AppVK),
		Ins: []Input{{
			UtxoID: utxo.String(),
			Charms: cardCharms(req.Card, req.Balance),
		}},
		Outs: []Output{{
			Address: req.OwnerAddress,
			Charms:  cardCharms(card, remaining),
			Sats:    sats,
		}},
	}, nil
}

func buildBurn(req Request, utxo charmcards.UtxoID, sats uint64) (*Spell, error) {
	if err := existingCard(req); err != nil {
		return nil, err
	}
	return &Spell{
		Version: ProtocolVersion,
		Apps:    giftCardApps(req.AppIdentity, req.AppVK),
		Ins: []Input{{
			UtxoID: utxo.String(),
			Charms: cardCharms(req.Card, req.Balance),
		}},
		Outs: []Output{{
			Address: charmcards.BurnAddress(req.Network),
			Charms:  cardCharms(req.Card, req.Balance),
			Sats:    sats,
		}},
	}, nil
}
