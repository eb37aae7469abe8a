package nut12

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcustody/cashu"
	"github.com/elnosh/nutcustody/crypto"
)

func TestVerifyBlindSignatureDLEQ(t *testing.T) {
	Ahex, _ := hex.DecodeString("0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	A, _ := secp256k1.ParsePubKey(Ahex)
	B_ := "02a9acc1e48c25eeeb9289b5031cc57da9fe72f3fe2861d264bdc074209b107ba2"
	C_ := "02a9acc1e48c25eeeb9289b5031cc57da9fe72f3fe2861d264bdc074209b107ba2"

	dleq := cashu.DLEQProof{
		E: "9818e061ee51d5c8edc3342369a554998ff7b4381c8652d724cdf46429be73d9",
		S: "9818e061ee51d5c8edc3342369a554998ff7b4381c8652d724cdf46429be73da",
	}

	if !VerifyBlindSignatureDLEQ(dleq, A, B_, C_) {
		t.Errorf("DLEQ verification on blind signature failed")
	}
}

func TestVerifyProofDLEQ(t *testing.T) {
	Ahex, _ := hex.DecodeString("0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	A, _ := secp256k1.ParsePubKey(Ahex)

	proof := cashu.Proof{
		Amount: 1,
		Id:     "00882760bfa2eb41",
		Secret: "daf4dd00a2b68a0858a80450f52c8a7d2ccf87d375e43e216e0c571f089f63e9",
		C:      "024369d2d22a80ecf78f3937da9d5f30c1b9f74f0c32684d583cca0fa6a61cdcfc",
		DLEQ: &cashu.DLEQProof{
			E: "b31e58ac6527f34975ffab13e70a48b6d2b0d35abc4b03f0151f09ee1a9763d4",
			S: "8fbae004c59e754d71df67e392b6ae4e29293113ddc2ec86592a0431d16306d8",
			R: "a6d13fcd7a18442e6076f5e1e7c887ad5de40a019824bdfa9fe740d302e8d861",
		},
	}

	if !VerifyProofDLEQ(proof, A) {
		t.Errorf("DLEQ verification on proof failed")
	}

	proof.Amount = 2
	proof.C = "02a9acc1e48c25eeeb9289b5031cc57da9fe72f3fe2861d264bdc074209b107ba2"
	if VerifyProofDLEQ(proof, A) {
		t.Errorf("expected DLEQ verification to fail for a different C")
	}
}

func TestGeneratedDLEQ(t *testing.T) {
	a, _ := secp256k1.GeneratePrivateKey()
	r, _ := crypto.GenerateBlindingFactor()
	secret := "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837"

	B_, err := crypto.BlindMessage(secret, r)
	if err != nil {
		t.Fatal(err)
	}
	C_ := crypto.SignBlindedMessage(B_, a)

	e, s, err := crypto.GenerateDLEQ(a, B_, C_)
	if err != nil {
		t.Fatal(err)
	}

	dleq := cashu.DLEQProof{
		E: hex.EncodeToString(e.Serialize()),
		S: hex.EncodeToString(s.Serialize()),
	}
	B_hex := hex.EncodeToString(B_.SerializeCompressed())
	C_hex := hex.EncodeToString(C_.SerializeCompressed())
	if !VerifyBlindSignatureDLEQ(dleq, a.PubKey(), B_hex, C_hex) {
		t.Fatal("generated DLEQ did not verify on blind signature")
	}

	C := crypto.UnblindSignature(C_, r, a.PubKey())
	dleq.R = hex.EncodeToString(r.Serialize())
	proof := cashu.Proof{
		Amount: 1,
		Secret: secret,
		C:      hex.EncodeToString(C.SerializeCompressed()),
		DLEQ:   &dleq,
	}
	if !VerifyProofsDLEQ(cashu.Proofs{proof}, map[uint64]*secp256k1.PublicKey{1: a.PubKey()}) {
		t.Error("generated DLEQ did not verify on proof")
	}

	other, _ := secp256k1.GeneratePrivateKey()
	if VerifyProofsDLEQ(cashu.Proofs{proof}, map[uint64]*secp256k1.PublicKey{1: other.PubKey()}) {
		t.Error("expected DLEQ verification to fail with a different key")
	}
}
