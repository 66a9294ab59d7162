package units

import (
	"math/big"
	"testing"
)

func TestToBaseUnits(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{name: "whole", amount: "1", decimals: 6, want: "1000000"},
		{name: "fraction", amount: "1.5", decimals: 6, want: "1500000"},
		{name: "full precision", amount: "0.000001", decimals: 6, want: "1"},
		{name: "rounds half up", amount: "0.0000005", decimals: 6, want: "1"},
		{name: "rounds down", amount: "0.0000004", decimals: 6, want: "0"},
		{name: "zero", amount: "0", decimals: 6, want: "0"},
		{name: "large", amount: "123456789.123456", decimals: 6, want: "123456789123456"},
		{name: "zero decimals", amount: "42", decimals: 0, want: "42"},
		{name: "whitespace", amount: " 2.25 ", decimals: 2, want: "225"},
		{name: "empty", amount: "", decimals: 6, wantErr: true},
		{name: "garbage", amount: "1.2.3", decimals: 6, wantErr: true},
		{name: "negative", amount: "-1", decimals: 6, wantErr: true},
		{name: "negative decimals", amount: "1", decimals: -1, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ToBaseUnits(tc.amount, tc.decimals)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ToBaseUnits(%q): want error, got %v", tc.amount, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToBaseUnits(%q): %v", tc.amount, err)
			}
			if got.String() != tc.want {
				t.Fatalf("ToBaseUnits(%q): got=%s want=%s", tc.amount, got, tc.want)
			}
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		base     int64
		decimals int
		want     string
	}{
		{name: "whole", base: 1_000_000, decimals: 6, want: "1"},
		{name: "fraction", base: 1_500_000, decimals: 6, want: "1.5"},
		{name: "smallest", base: 1, decimals: 6, want: "0.000001"},
		{name: "zero", base: 0, decimals: 6, want: "0"},
		{name: "no scale", base: 42, decimals: 0, want: "42"},
		{name: "negative", base: -2_250_000, decimals: 6, want: "-2.25"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := FromBaseUnits(big.NewInt(tc.base), tc.decimals)
			if got != tc.want {
				t.Fatalf("FromBaseUnits(%d): got=%q want=%q", tc.base, got, tc.want)
			}
		})
	}
}

// Round-trip: formatting base units and parsing them back is the identity for
// all non-negative integers.
func TestBaseUnitsRoundTrip(t *testing.T) {
	t.Parallel()

	values := []int64{0, 1, 7, 999_999, 1_000_000, 1_000_001, 123_456_789_123_456}
	for _, v := range values {
		base := big.NewInt(v)
		back, err := ToBaseUnits(FromBaseUnits(base, ProtocolTokenDecimals), ProtocolTokenDecimals)
		if err != nil {
			t.Fatalf("round trip %d: %v", v, err)
		}
		if back.Cmp(base) != 0 {
			t.Fatalf("round trip %d: got=%s", v, back)
		}
	}
}
