package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// ToPacket converts a prover transaction into a PSBT. Inputs the prover
// already satisfied keep their script data as final fields. Every input
// gets its prevout attached as the witness UTXO; an unknown prevout is an
// error.
func ToPacket(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) (*psbt.Packet, error) {
	unsigned := tx.Copy()
	witnesses := make([]wire.TxWitness, len(unsigned.TxIn))
	sigScripts := make([][]byte, len(unsigned.TxIn))
	for i, in := range unsigned.TxIn {
		witnesses[i], in.Witness = in.Witness, nil
		sigScripts[i], in.SignatureScript = in.SignatureScript, nil
	}

	pkt, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return nil, fmt.Errorf("create psbt: %w", err)
	}
	for i, in := range unsigned.TxIn {
		prev, ok := prevOuts[in.PreviousOutPoint]
		if !ok || prev == nil {
			return nil, fmt.Errorf("input %d spends unknown output %v", i, in.PreviousOutPoint)
		}
		pkt.Inputs[i].WitnessUtxo = prev
		if len(sigScripts[i]) > 0 {
			pkt.Inputs[i].FinalScriptSig = sigScripts[i]
		}
		if len(witnesses[i]) > 0 {
			w, err := serializeWitness(witnesses[i])
			if err != nil {
				return nil, fmt.Errorf("input %d witness: %w", i, err)
			}
			pkt.Inputs[i].FinalScriptWitness = w
		}
	}
	return pkt, nil
}

// Finalize completes every signed input of pkt and extracts the final
// transaction.
func Finalize(pkt *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(pkt); err != nil {
		return nil, fmt.Errorf("finalize psbt: %w", err)
	}
	if !pkt.IsComplete() {
		return nil, fmt.Errorf("psbt is missing signatures")
	}
	tx, err := psbt.Extract(pkt)
	if err != nil {
		return nil, fmt.Errorf("extract psbt: %w", err)
	}
	return tx, nil
}

func serializeWitness(wit wire.TxWitness) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(wit))); err != nil {
		return nil, err
	}
	for _, item := range wit {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
