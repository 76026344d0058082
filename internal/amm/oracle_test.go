package amm

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/althea-net/auto-bridge/internal/chain"
	"github.com/althea-net/auto-bridge/internal/chain/chaintest"
	"github.com/althea-net/auto-bridge/internal/contracts"
)

var (
	testPool = Pool{
		Exchange: common.HexToAddress("0x09cabEC1eAd1c0Ba254B09efb3EE13841712bE14"),
		Token:    common.HexToAddress("0x89d24A6b4CcB1B6fAA2625fE562bDD9a23260359"),
	}
	testCaller = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

// pool wires a fake foreign chain with the given reserves and token allowance.
func pool(t *testing.T, coin, token, allowance int64) *chaintest.Fake {
	t.Helper()
	f := chaintest.New(chain.Foreign)
	f.SetBalance(testPool.Exchange, big.NewInt(coin))
	f.HandleCall(testPool.Token, func(data []byte) ([]byte, error) {
		switch {
		case bytes.Equal(data[:4], contracts.ERC20.Methods["balanceOf"].ID):
			return chaintest.Word(big.NewInt(token)), nil
		case bytes.Equal(data[:4], contracts.ERC20.Methods["allowance"].ID):
			return chaintest.Word(big.NewInt(allowance)), nil
		}
		return nil, errors.New("unexpected call")
	})
	return f
}

func TestGetOutputAmount_Scenario(t *testing.T) {
	out, err := GetOutputAmount(big.NewInt(100), big.NewInt(1000), big.NewInt(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 100*1000*997 / (1000*1000 + 100*997) = 99700000 / 1099700 = 90.66
	if out.Int64() != 90 {
		t.Fatalf("expected 90, got %s", out)
	}
}

func TestGetOutputAmount_MatchesFormula(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		in := big.NewInt(rng.Int63n(1e15))
		inRes := big.NewInt(rng.Int63n(1e18) + 1)
		outRes := big.NewInt(rng.Int63n(1e18) + 1)

		got, err := GetOutputAmount(in, inRes, outRes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		num := new(big.Int).Mul(in, outRes)
		num.Mul(num, big.NewInt(997))
		den := new(big.Int).Mul(inRes, big.NewInt(1000))
		den.Add(den, new(big.Int).Mul(in, big.NewInt(997)))
		want := new(big.Int).Div(num, den)

		if got.Cmp(want) != 0 {
			t.Fatalf("in=%s inRes=%s outRes=%s: got %s, want %s", in, inRes, outRes, got, want)
		}
	}
}

func TestGetOutputAmount_Monotonic(t *testing.T) {
	inRes, outRes := big.NewInt(123_456_789), big.NewInt(987_654_321)
	prev := big.NewInt(-1)
	for in := int64(0); in <= 200_000; in += 37 {
		out, err := GetOutputAmount(big.NewInt(in), inRes, outRes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Cmp(prev) < 0 {
			t.Fatalf("output decreased at input %d: %s < %s", in, out, prev)
		}
		prev = out
	}
}

func TestGetOutputAmount_Invalid(t *testing.T) {
	if _, err := GetOutputAmount(big.NewInt(1), big.NewInt(0), big.NewInt(10)); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
	if _, err := GetOutputAmount(big.NewInt(-1), big.NewInt(10), big.NewInt(10)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestQuote_Directions(t *testing.T) {
	o := NewOracle(pool(t, 1000, 2000, 0), testPool, testCaller)

	q, err := o.Quote(context.Background(), CoinToToken, big.NewInt(100))
	if err != nil {
		t.Fatalf("coin-to-token: %v", err)
	}
	// 100*2000*997 / (1000*1000 + 99700) = 181.3
	if q.Output.Int64() != 181 || q.InputReserve.Int64() != 1000 || q.OutputReserve.Int64() != 2000 {
		t.Fatalf("unexpected coin-to-token quote: %+v", q)
	}

	q, err = o.Quote(context.Background(), TokenToCoin, big.NewInt(100))
	if err != nil {
		t.Fatalf("token-to-coin: %v", err)
	}
	// 100*1000*997 / (2000*1000 + 99700) = 47.5
	if q.Output.Int64() != 47 || q.InputReserve.Int64() != 2000 || q.OutputReserve.Int64() != 1000 {
		t.Fatalf("unexpected token-to-coin quote: %+v", q)
	}
}

func TestQuote_CoinReserveReadFails(t *testing.T) {
	f := pool(t, 1000, 1000, 0)
	f.FailBalances(errors.New("502 bad gateway"))

	_, err := NewOracle(f, testPool, testCaller).Quote(context.Background(), CoinToToken, big.NewInt(100))
	if !errors.Is(err, chain.ErrChainRead) {
		t.Fatalf("expected ErrChainRead, got %v", err)
	}
}

func TestQuote_TokenReserveReadFails(t *testing.T) {
	f := chaintest.New(chain.Foreign)
	f.SetBalance(testPool.Exchange, big.NewInt(1000))
	f.HandleCall(testPool.Token, func([]byte) ([]byte, error) { return nil, nil }) // empty return data

	_, err := NewOracle(f, testPool, testCaller).Quote(context.Background(), TokenToCoin, big.NewInt(100))
	if !errors.Is(err, chain.ErrChainRead) {
		t.Fatalf("expected ErrChainRead, got %v", err)
	}
}

func TestQuote_InvalidDirection(t *testing.T) {
	o := NewOracle(pool(t, 1000, 1000, 0), testPool, testCaller)
	if _, err := o.Quote(context.Background(), Direction(9), big.NewInt(1)); !errors.Is(err, ErrInvalidDirection) {
		t.Fatalf("expected ErrInvalidDirection, got %v", err)
	}
}
