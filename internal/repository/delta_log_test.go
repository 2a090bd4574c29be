package repository

import (
	"encoding/json"
	"testing"

	"github.com/tradeweave/loopengine/internal/models"
)

func TestSanitizeForPG(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "no change", in: `{"k":"v"}`, want: `{"k":"v"}`},
		{name: "raw null byte", in: "ab\x00cd", want: "abcd"},
		{name: "json escaped lower", in: `{"s":"a\u0000b"}`, want: `{"s":"ab"}`},
		{name: "json escaped upper", in: `{"s":"a\U0000b"}`, want: `{"s":"ab"}`},
		{name: "mixed", in: "x\x00y\\u0000z", want: "xyz"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := sanitizeForPG(tc.in)
			if got != tc.want {
				t.Fatalf("sanitizeForPG(%q)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDeltaOpsSurviveSanitize(t *testing.T) {
	t.Parallel()

	// A wallet id carrying a null byte must still produce decodable JSONB.
	ops := []models.DeltaOp{
		models.InventoryMerge{Wallet: "w\x00allet", Items: []models.ItemRef{{ID: "x"}}},
		models.Transfer{ItemID: "x", FromWallet: "a", ToWallet: "b"},
	}
	raw, err := models.MarshalDeltaOps(ops)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	clean := sanitizeForPG(string(raw))
	if !json.Valid([]byte(clean)) {
		t.Fatalf("sanitized payload is not valid json: %s", clean)
	}
	decoded, err := models.UnmarshalDeltaOps([]byte(clean))
	if err != nil {
		t.Fatalf("unmarshal sanitized: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d ops, want 2", len(decoded))
	}
	if decoded[0].Kind() != "inventory_merge" || decoded[1].Kind() != "transfer" {
		t.Fatalf("kinds = %s, %s", decoded[0].Kind(), decoded[1].Kind())
	}
}
