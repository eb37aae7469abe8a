package cashu

import (
	"encoding/hex"
	"errors"
	"reflect"
	"testing"
)

const (
	tokenV4Memo = "cashuBpGF0gaJhaUgArSaMTR9YJmFwgaNhYQFhc3hAOWE2ZGJiODQ3YmQyMzJiYTc2ZGIwZGYxOTcyMTZiMjlkM2I4Y2MxNDU1M2NkMjc4MjdmYzFjYzk0MmZlZGI0ZWFjWCEDhhhUP_trhpXfStS6vN6So0qWvc2X3O4NfM-Y1HISZ5JhZGlUaGFuayB5b3VhbXVodHRwOi8vbG9jYWxob3N0OjMzMzhhdWNzYXQ"

	tokenV3 = "cashuAeyJ0b2tlbiI6W3sibWludCI6Imh0dHBzOi8vODMzMy5zcGFjZTozMzM4IiwicHJvb2ZzIjpbeyJhbW91bnQiOjIsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6IjQwNzkxNWJjMjEyYmU2MWE3N2UzZTZkMmFlYjRjNzI3OTgwYmRhNTFjZDA2YTZhZmMyOWUyODYxNzY4YTc4MzciLCJDIjoiMDJiYzkwOTc5OTdkODFhZmIyY2M3MzQ2YjVlNDM0NWE5MzQ2YmQyYTUwNmViNzk1ODU5OGE3MmYwY2Y4NTE2M2VhIn0seyJhbW91bnQiOjgsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6ImZlMTUxMDkzMTRlNjFkNzc1NmIwZjhlZTBmMjNhNjI0YWNhYTNmNGUwNDJmNjE0MzNjNzI4YzcwNTdiOTMxYmUiLCJDIjoiMDI5ZThlNTA1MGI4OTBhN2Q2YzA5NjhkYjE2YmMxZDVkNWZhMDQwZWExZGUyODRmNmVjNjlkNjEyOTlmNjcxMDU5In1dfV0sInVuaXQiOiJzYXQiLCJtZW1vIjoiVGhhbmsgeW91IHZlcnkgbXVjaC4ifQ"
)

func TestDecodeTokenV4(t *testing.T) {
	token, err := DecodeTokenV4(tokenV4Memo)
	if err != nil {
		t.Fatalf("unexpected error decoding token: %v", err)
	}

	if token.Unit != "sat" {
		t.Errorf("expected '%v' but got '%v' instead", "sat", token.Unit)
	}
	if token.Memo != "Thank you" {
		t.Errorf("expected '%v' but got '%v' instead", "Thank you", token.Memo)
	}
	if token.Mint() != "http://localhost:3338" {
		t.Errorf("expected '%v' but got '%v' instead", "http://localhost:3338", token.Mint())
	}

	expected := Proofs{
		{
			Amount: 1,
			Id:     "00ad268c4d1f5826",
			Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
			C:      "038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792",
		},
	}
	if !reflect.DeepEqual(token.Proofs(), expected) {
		t.Errorf("expected '%v' but got '%v' instead", expected, token.Proofs())
	}
}

func TestSerializeTokenV4(t *testing.T) {
	keysetId, _ := hex.DecodeString("00ad268c4d1f5826")
	C, _ := hex.DecodeString("038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792")

	token := TokenV4{
		TokenProofs: []TokenV4Proof{
			{
				Id: keysetId,
				Proofs: []ProofV4{
					{
						Amount: 1,
						Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
						C:      C,
					},
				},
			},
		},
		Memo:    "Thank you",
		MintURL: "http://localhost:3338",
		Unit:    "sat",
	}

	tokenString, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if tokenString != tokenV4Memo {
		t.Errorf("expected '%v'\n\n but got '%v' instead", tokenV4Memo, tokenString)
	}
}

func TestNewTokenV4(t *testing.T) {
	proofs := Proofs{
		{Amount: 2, Id: "00ffd48b8f5ecf80", Secret: "secret1", C: "0244538319de485d55bed3b29a642bee5879375ab9e7a620e11e48ba482421f3cf"},
		{Amount: 8, Id: "00ad268c4d1f5826", Secret: "secret2", C: "023456aa110d84b4ac747aebd82c3b005aca50bf457ebd5737a4414fac3ae7d94d"},
		{
			Amount: 1,
			Id:     "00ffd48b8f5ecf80",
			Secret: "secret3",
			C:      "0273129c5719e599379a974a626363c333c56cafc0e6d01abe46d5808280789c63",
			DLEQ:   &DLEQProof{E: "aa", S: "bb", R: "cc"},
		},
	}

	token, err := NewTokenV4(proofs, "http://localhost:3338", Sat, false)
	if err != nil {
		t.Fatalf("unexpected error creating token: %v", err)
	}
	if len(token.TokenProofs) != 2 {
		t.Fatalf("expected proofs grouped in '%v' keysets but got '%v'", 2, len(token.TokenProofs))
	}

	tokenString, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeToken(tokenString)
	if err != nil {
		t.Fatalf("unexpected error decoding token: %v", err)
	}
	if decoded.Amount() != 11 {
		t.Errorf("expected '%v' but got '%v' instead", 11, decoded.Amount())
	}
	if decoded.Mint() != "http://localhost:3338" {
		t.Errorf("expected '%v' but got '%v' instead", "http://localhost:3338", decoded.Mint())
	}

	// proofs of the same keyset are grouped, so the third proof moves up
	expectedSecrets := []string{"secret1", "secret3", "secret2"}
	if !reflect.DeepEqual(decoded.Proofs().Secrets(), expectedSecrets) {
		t.Errorf("expected '%v' but got '%v' instead", expectedSecrets, decoded.Proofs().Secrets())
	}
	for _, proof := range decoded.Proofs() {
		if proof.DLEQ != nil {
			t.Errorf("expected DLEQ to be dropped but got '%v'", proof.DLEQ)
		}
	}

	withDLEQ, err := NewTokenV4(proofs, "http://localhost:3338", Sat, true)
	if err != nil {
		t.Fatalf("unexpected error creating token: %v", err)
	}
	dleq := withDLEQ.Proofs()[1].DLEQ
	if dleq == nil || *dleq != *proofs[2].DLEQ {
		t.Errorf("expected DLEQ '%v' but got '%v' instead", proofs[2].DLEQ, dleq)
	}

	if _, err := NewTokenV4(proofs, "http://localhost:3338", Unit(5), false); !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("expected error '%v' but got '%v' instead", ErrInvalidUnit, err)
	}
}

func TestDecodeTokenV3(t *testing.T) {
	token, err := DecodeTokenV3(tokenV3)
	if err != nil {
		t.Fatalf("unexpected error decoding token: %v", err)
	}

	tokenPadding, err := DecodeTokenV3(tokenV3 + "==")
	if err != nil {
		t.Fatalf("unexpected error decoding padded token: %v", err)
	}
	if !reflect.DeepEqual(token, tokenPadding) {
		t.Error("decoded tokens do not match")
	}

	if token.Memo != "Thank you very much." {
		t.Errorf("expected '%v' but got '%v' instead", "Thank you very much.", token.Memo)
	}
	if token.Mint() != "https://8333.space:3338" {
		t.Errorf("expected '%v' but got '%v' instead", "https://8333.space:3338", token.Mint())
	}
	if token.Amount() != 10 {
		t.Errorf("expected '%v' but got '%v' instead", 10, token.Amount())
	}
}

func TestDecodeToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		amount   uint64
		mint     string
		hasError bool
	}{
		{name: "v4", token: tokenV4Memo, amount: 1, mint: "http://localhost:3338"},
		{name: "v3", token: tokenV3, amount: 10, mint: "https://8333.space:3338"},
		{name: "surrounding whitespace", token: "  " + tokenV4Memo + "\n", amount: 1, mint: "http://localhost:3338"},
		{name: "short", token: "cash", hasError: true},
		{name: "unknown prefix", token: "cashuZabc", hasError: true},
		{name: "garbage v4", token: "cashuB!!!!", hasError: true},
		{name: "garbage v3", token: "cashuAeyJmb28iOiJiYXIifQ", hasError: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			token, err := DecodeToken(test.token)
			if test.hasError {
				if err == nil {
					t.Fatal("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if token.Amount() != test.amount {
				t.Errorf("expected '%v' but got '%v' instead", test.amount, token.Amount())
			}
			if token.Mint() != test.mint {
				t.Errorf("expected '%v' but got '%v' instead", test.mint, token.Mint())
			}
		})
	}
}

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{0, []uint64{}},
		{1, []uint64{1}},
		{13, []uint64{1, 4, 8}},
		{64, []uint64{64}},
		{255, []uint64{1, 2, 4, 8, 16, 32, 64, 128}},
	}

	for _, test := range tests {
		split := AmountSplit(test.amount)
		if !reflect.DeepEqual(split, test.expected) {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, split)
		}
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	proofs := Proofs{{Amount: 1, Secret: "a"}, {Amount: 2, Secret: "b"}}
	if CheckDuplicateProofs(proofs) {
		t.Error("expected no duplicates")
	}

	proofs = append(proofs, Proof{Amount: 4, Secret: "a"})
	if !CheckDuplicateProofs(proofs) {
		t.Error("expected duplicate to be detected")
	}
}
