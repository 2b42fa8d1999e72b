package charmcards

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DustLimit is the minimum value, in sats, of every spell output.
const DustLimit = 1000

// Network selects chain parameters and the address format accepted for
// spell destinations.
type Network string

const (
	Mainnet  Network = "mainnet"
	Testnet3 Network = "testnet3"
	Testnet4 Network = "testnet4"
	Signet   Network = "signet"
	Regtest  Network = "regtest"
)

// ParseNetwork maps a config value to a Network. "testnet" means testnet4.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet", "main", "bitcoin":
		return Mainnet, nil
	case "testnet3", "test":
		return Testnet3, nil
	case "testnet", "testnet4":
		return Testnet4, nil
	case "signet":
		return Signet, nil
	case "regtest":
		return Regtest, nil
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// Params returns the chain parameters used for address encoding. testnet4
// shares testnet3's address format.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Signet:
		return &chaincfg.SigNetParams
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.TestNet3Params
	}
}

// ChainName is the chain name a node reports in getblockchaininfo.
func (n Network) ChainName() string {
	switch n {
	case Mainnet:
		return "main"
	case Testnet3:
		return "test"
	case Testnet4:
		return "testnet4"
	case Signet:
		return "signet"
	case Regtest:
		return "regtest"
	}
	return string(n)
}

// AddressPrefix is the bech32 prefix, separator included, that every
// destination on this network must carry.
func (n Network) AddressPrefix() string {
	return n.Params().Bech32HRPSegwit + "1"
}

// ValidateAddress checks that addr carries the network's prefix and
// decodes as an address for that network.
func ValidateAddress(addr string, n Network) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !strings.HasPrefix(strings.ToLower(addr), n.AddressPrefix()) {
		return fmt.Errorf("%w: %q does not start with %q for %s", ErrInvalidAddress,
			addr, n.AddressPrefix(), n)
	}
	params := n.Params()
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("%w: %q is not a %s address", ErrInvalidAddress, addr, n)
	}
	return nil
}

// BurnAddress returns the network's canonical unspendable address: a
// P2WPKH output whose 20-byte program is all zeros.
func BurnAddress(n Network) string {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), n.Params())
	if err != nil {
		// A 20-byte program always encodes.
		panic(err)
	}
	return addr.EncodeAddress()
}

// UTXO is an unspent output as reported by the external indexer.
type UTXO struct {
	Txid    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Value   uint64 `json:"value"`
	Address string `json:"address"`
}

// ID returns the "txid:vout" form of the outpoint.
func (u UTXO) ID() string {
	return u.Txid + ":" + strconv.FormatUint(uint64(u.Vout), 10)
}

// UtxoID is a parsed "txid:vout" reference.
type UtxoID struct {
	Hash  chainhash.Hash
	Index uint32
}

// ParseUtxoID parses "txid:vout".
func ParseUtxoID(s string) (UtxoID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return UtxoID{}, fmt.Errorf("bad utxo id %q: want txid:vout", s)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return UtxoID{}, fmt.Errorf("bad utxo id %q: %w", s, err)
	}
	if len(parts[0]) != chainhash.MaxHashStringSize {
		return UtxoID{}, fmt.Errorf("bad txid %q: want %d hex chars", parts[0],
			chainhash.MaxHashStringSize)
	}
	var h chainhash.Hash
	if err := chainhash.Decode(&h, parts[0]); err != nil {
		return UtxoID{}, fmt.Errorf("bad txid %q: %w", parts[0], err)
	}
	return UtxoID{Hash: h, Index: uint32(vout)}, nil
}

func (id UtxoID) String() string {
	return id.Hash.String() + ":" + strconv.FormatUint(uint64(id.Index), 10)
}

// OutPoint converts the id to its wire form.
func (id UtxoID) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: id.Hash, Index: id.Index}
}

// AppIdentity derives the gift-card app identity from the funding UTXO id:
// hex(SHA-256(utxo id string)), matching the app contract's mint check.
func AppIdentity(fundingUtxoID string) string {
	sum := sha256.Sum256([]byte(fundingUtxoID))
	return hex.EncodeToString(sum[:])
}

// FindInputIndex returns the index of the input of tx spending inputID.
func FindInputIndex(tx *wire.MsgTx, inputID string) (int, error) {
	id, err := ParseUtxoID(inputID)
	if err != nil {
		return -1, err
	}
	matchCount := 0
	matchIdx := -1
	for i, ti := range tx.TxIn {
		if ti.PreviousOutPoint.Hash == id.Hash && ti.PreviousOutPoint.Index == id.Index {
			matchCount++
			matchIdx = i
		}
	}
	if matchCount == 0 {
		return -1, fmt.Errorf("input %s not found in tx %s", inputID, tx.TxHash())
	}
	if matchCount > 1 {
		return -1, fmt.Errorf("input %s matches %d inputs in tx %s (ambiguous)",
			inputID, matchCount, tx.TxHash())
	}
	return matchIdx, nil
}

// DecodeTx parses a hex-encoded raw transaction. Witness and legacy
// encodings are both accepted.
func DecodeTx(rawHex string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, fmt.Errorf("decode tx hex: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty transaction")
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		// Zero-input transactions are ambiguous with the witness marker.
		tx = wire.NewMsgTx(wire.TxVersion)
		if err2 := tx.DeserializeNoWitness(bytes.NewReader(b)); err2 != nil {
			return nil, fmt.Errorf("deserialize tx: %w", err)
		}
	}
	return tx, nil
}

// EncodeTx serializes tx to hex, with witness data when present.
func EncodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
