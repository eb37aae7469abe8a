// Package nut12 verifies the DLEQ proofs defined in [NUT-12]
//
// [NUT-12]: https://github.com/cashubtc/nuts/blob/main/12.md
package nut12

import (
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcustody/cashu"
	"github.com/elnosh/nutcustody/crypto"
)

// VerifyProofsDLEQ verifies the DLEQ of every proof that carries one.
// Proofs without a DLEQ are accepted.
func VerifyProofsDLEQ(proofs cashu.Proofs, keys map[uint64]*secp256k1.PublicKey) bool {
	for _, proof := range proofs {
		if proof.DLEQ == nil {
			continue
		}

		pubkey, ok := keys[proof.Amount]
		if !ok {
			return false
		}
		if !VerifyProofDLEQ(proof, pubkey) {
			return false
		}
	}
	return true
}

func VerifyProofDLEQ(proof cashu.Proof, A *secp256k1.PublicKey) bool {
	e, s, r, err := ParseDLEQ(*proof.DLEQ)
	if err != nil || r == nil {
		return false
	}

	B_, err := crypto.BlindMessage(proof.Secret, r)
	if err != nil {
		return false
	}

	CBytes, err := hex.DecodeString(proof.C)
	if err != nil {
		return false
	}
	C, err := secp256k1.ParsePubKey(CBytes)
	if err != nil {
		return false
	}

	// C_ = C + rA
	var CPoint, APoint, rAPoint, C_Point secp256k1.JacobianPoint
	C.AsJacobian(&CPoint)
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&r.Key, &APoint, &rAPoint)
	secp256k1.AddNonConst(&CPoint, &rAPoint, &C_Point)
	C_Point.ToAffine()
	C_ := secp256k1.NewPublicKey(&C_Point.X, &C_Point.Y)

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

func VerifyBlindSignatureDLEQ(dleq cashu.DLEQProof, A *secp256k1.PublicKey, B_str, C_str string) bool {
	e, s, _, err := ParseDLEQ(dleq)
	if err != nil {
		return false
	}

	B_bytes, err := hex.DecodeString(B_str)
	if err != nil {
		return false
	}
	B_, err := secp256k1.ParsePubKey(B_bytes)
	if err != nil {
		return false
	}

	C_bytes, err := hex.DecodeString(C_str)
	if err != nil {
		return false
	}
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		return false
	}

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

// ParseDLEQ decodes e, s and r. r is nil when the proof does not carry it.
func ParseDLEQ(dleq cashu.DLEQProof) (e, s, r *secp256k1.PrivateKey, err error) {
	ebytes, err := hex.DecodeString(dleq.E)
	if err != nil {
		return nil, nil, nil, err
	}
	sbytes, err := hex.DecodeString(dleq.S)
	if err != nil {
		return nil, nil, nil, err
	}
	e = secp256k1.PrivKeyFromBytes(ebytes)
	s = secp256k1.PrivKeyFromBytes(sbytes)

	if dleq.R == "" {
		return e, s, nil, nil
	}

	rbytes, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, nil, nil, err
	}
	return e, s, secp256k1.PrivKeyFromBytes(rbytes), nil
}
