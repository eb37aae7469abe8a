package nut04

import (
	"encoding/json"
	"testing"
)

func TestMintQuoteState(t *testing.T) {
	tests := []struct {
		json     string
		expected State
	}{
		{`{"quote":"q1","request":"lnbc1","state":"UNPAID","expiry":1700000000}`, Unpaid},
		{`{"quote":"q1","request":"lnbc1","state":"PAID","expiry":1700000000}`, Paid},
		{`{"quote":"q1","request":"lnbc1","state":"ISSUED","expiry":1700000000}`, Issued},
	}

	for _, test := range tests {
		var response PostMintQuoteBolt11Response
		if err := json.Unmarshal([]byte(test.json), &response); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if response.State != test.expected {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, response.State)
		}
	}

	var response PostMintQuoteBolt11Response
	if err := json.Unmarshal([]byte(`{"quote":"q1","state":"SETTLED"}`), &response); err == nil {
		t.Error("expected error for unknown state")
	}

	if _, err := json.Marshal(PostMintQuoteBolt11Response{State: Unknown}); err == nil {
		t.Error("expected error marshaling unknown state")
	}
}
