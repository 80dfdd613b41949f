// Copyright 2025 Certen Protocol
//
// Address kernel tests against the official EIP-1014 vectors

package create2

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// Official CREATE2 examples from EIP-1014.
func TestCreate2Address_OfficialVectors(t *testing.T) {
	tests := []struct {
		name     string
		deployer string
		salt     string
		initCode []byte
		want     string
	}{
		{
			name:     "zero deployer, zero salt",
			deployer: "0x0000000000000000000000000000000000000000",
			salt:     "0x0000000000000000000000000000000000000000000000000000000000000000",
			initCode: []byte{0x00},
			want:     "0x4D1A2e2bB4F88F0250f26Ffff098B0b30B26BF38",
		},
		{
			name:     "deadbeef deployer",
			deployer: "0xdeadbeef00000000000000000000000000000000",
			salt:     "0x0000000000000000000000000000000000000000000000000000000000000000",
			initCode: []byte{0x00},
			want:     "0xB928f69Bb1D91Cd65274e3c79d8986362984fDA3",
		},
		{
			name:     "feed salt",
			deployer: "0xdeadbeef00000000000000000000000000000000",
			salt:     "0x000000000000000000000000feed000000000000000000000000000000000000",
			initCode: []byte{0x00},
			want:     "0xD04116cDd17beBE565EB2422F2497E06cC1C9833",
		},
		{
			name:     "cafebabe salt, deadbeef code",
			deployer: "0x00000000000000000000000000000000deadbeef",
			salt:     "0x00000000000000000000000000000000000000000000000000000000cafebabe",
			initCode: common.FromHex("0xdeadbeef"),
			want:     "0x60f3f640a8508fC6a86d45DF051962668E1e8AC7",
		},
		{
			name:     "empty init code",
			deployer: "0x0000000000000000000000000000000000000000",
			salt:     "0x0000000000000000000000000000000000000000000000000000000000000000",
			initCode: nil,
			want:     "0xE33C0C7F7df4809055C3ebA6c09CFe4BaF1BD9e0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Create2Address(
				common.HexToAddress(tt.deployer),
				common.HexToHash(tt.salt),
				InitCodeHash(tt.initCode),
			)
			if got != common.HexToAddress(tt.want) {
				t.Errorf("address mismatch: got %s, want %s", got.Hex(), tt.want)
			}
		})
	}
}

// The same triple must collapse to the same address no matter how many
// times it is computed: this is the cross-chain parity primitive.
func TestCreate2Address_Deterministic(t *testing.T) {
	deployer := common.HexToAddress("0x0000000000000000000000000000000000000001")
	salt := DefaultFrozenFactorySalt
	ich := InitCodeHash([]byte{0x60, 0x80, 0x60, 0x40})

	first := Create2Address(deployer, salt, ich)
	for i := 0; i < 8; i++ {
		if got := Create2Address(deployer, salt, ich); got != first {
			t.Fatalf("prediction diverged on run %d: %s != %s", i, got.Hex(), first.Hex())
		}
	}
}

func TestSelectorOf(t *testing.T) {
	tests := []struct {
		sig  string
		want string
	}{
		{"ping()", "0x5c36b186"},
		{"transfer(address,uint256)", "0xa9059cbb"},
		{"baz(uint32,bool)", "0xcdcd77c0"},
	}
	for _, tt := range tests {
		if got := SelectorOf(tt.sig).Hex(); got != tt.want {
			t.Errorf("selector(%q) = %s, want %s", tt.sig, got, tt.want)
		}
	}
}

func TestSelectorJSONRoundTrip(t *testing.T) {
	s := SelectorOf("transfer(address,uint256)")
	data, err := s.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"0xa9059cbb"` {
		t.Errorf("unexpected JSON form: %s", data)
	}

	var back Selector
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back != s {
		t.Errorf("round trip mismatch: %s != %s", back.Hex(), s.Hex())
	}
}

func TestEmptyCodeHash(t *testing.T) {
	// keccak256 of zero bytes, the codehash of an account with no code.
	want := common.HexToHash("0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")
	if EmptyCodeHash != want {
		t.Errorf("empty codehash mismatch: got %s", EmptyCodeHash.Hex())
	}
	if CodeHash(nil) != want {
		t.Errorf("CodeHash(nil) mismatch: got %s", CodeHash(nil).Hex())
	}
}

func TestFacetSalt_ReproducibleFromPublicInputs(t *testing.T) {
	a := FacetSalt("certen.facet", "ExchangeFacet", "ops", "1.2.0")
	b := FacetSalt("certen.facet", "ExchangeFacet", "ops", "1.2.0")
	if a != b {
		t.Fatal("facet salt not deterministic")
	}
	if a == FacetSalt("certen.facet", "VaultFacet", "ops", "1.2.0") {
		t.Error("distinct facet names must derive distinct salts")
	}
}

func TestParseSalt(t *testing.T) {
	h, err := ParseSalt("0x00000000000000000000000000000000000000000000000000000000cafebabe")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if h != common.HexToHash("0xcafebabe") {
		t.Errorf("salt mismatch: %s", h.Hex())
	}

	if _, err := ParseSalt("0x1234"); err == nil {
		t.Error("short salt must be rejected")
	}
	if _, err := ParseSalt("zz"); err == nil {
		t.Error("non-hex salt must be rejected")
	}
}
