package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{message: "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725"},
		{message: "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf"},
		{message: "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f"},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Errorf("error decoding msg: %v", err)
		}

		pk, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, hexStr)
		}
	}
}

func TestBlindSignUnblind(t *testing.T) {
	secrets := []string{"test_message", "hello", "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837"}

	k, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	K := k.PubKey()

	for _, secret := range secrets {
		r, err := GenerateBlindingFactor()
		if err != nil {
			t.Fatal(err)
		}

		B_, err := BlindMessage(secret, r)
		if err != nil {
			t.Fatalf("unexpected error blinding message: %v", err)
		}
		C_ := SignBlindedMessage(B_, k)
		C := UnblindSignature(C_, r, K)

		if !Verify(secret, k, C) {
			t.Errorf("signature for secret '%v' did not verify", secret)
		}
		if Verify(secret+"x", k, C) {
			t.Errorf("signature verified for a different secret")
		}
	}
}

func TestGenerateKeyset(t *testing.T) {
	keyset := GenerateKeyset("seed", "m/0'/0'/0'", 100)
	other := GenerateKeyset("seed", "m/0'/0'/0'", 100)

	if keyset.Id != other.Id {
		t.Errorf("expected deterministic keyset id but got '%v' and '%v'", keyset.Id, other.Id)
	}
	if len(keyset.Id) != 16 || keyset.Id[:2] != "00" {
		t.Errorf("invalid keyset id '%v'", keyset.Id)
	}
	if len(keyset.Keys) != maxOrder {
		t.Fatalf("expected '%v' keys but got '%v' instead", maxOrder, len(keyset.Keys))
	}

	pubkeys, err := MapPubKeys(keyset.PublicKeys())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id := DeriveKeysetId(pubkeys); id != keyset.Id {
		t.Errorf("expected '%v' but got '%v' instead", keyset.Id, id)
	}

	different := GenerateKeyset("seed", "m/0'/0'/1'", 100)
	if different.Id == keyset.Id {
		t.Error("expected different derivation path to produce a different keyset")
	}
}
