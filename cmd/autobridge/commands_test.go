package main

import (
	"bytes"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/althea-net/auto-bridge/internal/amm"
	"github.com/althea-net/auto-bridge/internal/bridge"
	"github.com/althea-net/auto-bridge/internal/config"
	"github.com/althea-net/auto-bridge/internal/convert"
)

func TestParseDirection(t *testing.T) {
	if d, err := parseDirection("token-to-coin"); err != nil || d != amm.TokenToCoin {
		t.Fatalf("unexpected result %v, %v", d, err)
	}
	if _, err := parseDirection("sideways"); !errors.Is(err, amm.ErrInvalidDirection) {
		t.Fatalf("expected ErrInvalidDirection, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := parseKind("coin-to-bridged-coin"); err != nil || k != convert.CoinToBridgedCoin {
		t.Fatalf("unexpected result %v, %v", k, err)
	}
	if _, err := parseKind("coin-to-token"); !errors.Is(err, convert.ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestResultView(t *testing.T) {
	tag, err := bridge.Tag(big.NewInt(5_000_000_000_000_000_000), 42)
	if err != nil {
		t.Fatal(err)
	}
	res := &convert.Result{
		ID:     "0123456789abcdef",
		Kind:   convert.CoinToBridgedCoin,
		Input:  big.NewInt(1_000_000_000_000_000_000),
		Output: tag.Total,
		Bridge: &bridge.Result{
			Direction: bridge.Deposit,
			Tag:       tag,
			TxHash:    common.HexToHash("0xb1"),
		},
	}

	var buf bytes.Buffer
	if err := printJSON(&buf, resultView(res)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		`"output": "5.000000000000000042"`,
		`"input": "1"`,
		`"tag": "5000000000000000000+42=5000000000000000042"`,
		`"confirmed": false`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, `"swap"`) {
		t.Errorf("a conversion without a swap leg should not print one:\n%s", out)
	}
}

func TestWeiSetting(t *testing.T) {
	if v, err := weiSetting("conversion.gas_price_wei", ""); err != nil || v != nil {
		t.Fatalf("unset value: got %v, %v", v, err)
	}
	if v, err := weiSetting("conversion.gas_price_wei", "2000000000"); err != nil || v.Int64() != 2_000_000_000 {
		t.Fatalf("unexpected result %v, %v", v, err)
	}
	_, err := weiSetting("conversion.min_amount_wei", "1.5")
	if !errors.Is(err, config.ErrInvalidConfig) || !strings.Contains(err.Error(), "conversion.min_amount_wei") {
		t.Fatalf("expected ErrInvalidConfig naming the key, got %v", err)
	}
}
