package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// hashE is sha256 over the hex encoded uncompressed keys.
func hashE(pubkeys ...*secp256k1.PublicKey) [32]byte {
	var e bytes.Buffer
	for _, pubkey := range pubkeys {
		e.WriteString(hex.EncodeToString(pubkey.SerializeUncompressed()))
	}
	return sha256.Sum256(e.Bytes())
}

func scalarMult(k *secp256k1.ModNScalar, point *secp256k1.PublicKey) *secp256k1.JacobianPoint {
	var p, result secp256k1.JacobianPoint
	point.AsJacobian(&p)
	secp256k1.ScalarMultNonConst(k, &p, &result)
	return &result
}

// GenerateDLEQ proves that C_ = aB_ for the same a as A = aG.
func GenerateDLEQ(a *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (*secp256k1.PrivateKey, *secp256k1.PrivateKey, error) {
	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	R1 := r.PubKey()
	R2Point := scalarMult(&r.Key, B_)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	hash := hashE(R1, R2, a.PubKey(), C_)
	e := secp256k1.PrivKeyFromBytes(hash[:])

	// s = r + e*a
	var s secp256k1.ModNScalar
	s.Mul2(&e.Key, &a.Key).Add(&r.Key)

	return e, secp256k1.NewPrivateKey(&s), nil
}

// VerifyDLEQ checks e == hash(sG - eA, sB_ - eC_, A, C_).
func VerifyDLEQ(e, s *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) bool {
	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	var sG, R1Point, R2Point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sG)
	secp256k1.AddNonConst(&sG, scalarMult(&eNeg, A), &R1Point)
	R1Point.ToAffine()

	sB_ := scalarMult(&s.Key, B_)
	secp256k1.AddNonConst(sB_, scalarMult(&eNeg, C_), &R2Point)
	R2Point.ToAffine()

	if (R1Point.X.IsZero() && R1Point.Y.IsZero()) || (R2Point.X.IsZero() && R2Point.Y.IsZero()) {
		return false
	}

	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	hash := hashE(R1, R2, A, C_)
	return bytes.Equal(hash[:], e.Serialize())
}
