package bridge

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/althea-net/auto-bridge/internal/chain"
	"github.com/althea-net/auto-bridge/internal/chain/chaintest"
	"github.com/althea-net/auto-bridge/internal/contracts"
)

var (
	testCfg = Config{
		Token:         common.HexToAddress("0x89d24A6b4CcB1B6fAA2625fE562bDD9a23260359"),
		ForeignBridge: common.HexToAddress("0x4aa42145Aa6Ebf72e164C9bBC74fbD3788045016"),
		HomeBridge:    common.HexToAddress("0x7301CFA0e1756B71869E93d4e4Dca5c7d0eb0AA6"),
		Timeout:       time.Second,
	}
	operator = &chain.Account{Address: common.HexToAddress("0x00000000000000000000000000000000000000aa")}
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func fiveCoins() *big.Int {
	v, _ := new(big.Int).SetString("5000000000000000000", 10)
	return v
}

func newTestTransfer(t *testing.T, cfg Config, nonces ...uint64) (*Transfer, *chaintest.Fake, *chaintest.Fake) {
	t.Helper()
	foreign, home := chaintest.New(chain.Foreign), chaintest.New(chain.Home)
	tr, err := New(foreign, home, operator, cfg, WithNonceSource(sequence(nonces...)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, foreign, home
}

// tokenTransfer is the foreign token's Transfer event with from/to indexed.
func tokenTransfer(from, to common.Address, amount *big.Int) types.Log {
	return types.Log{
		Address: testCfg.Token,
		Topics: []common.Hash{
			contracts.ERC20.Events["Transfer"].ID,
			chain.AddressTopic(from),
			chain.AddressTopic(to),
		},
		Data: chaintest.Word(amount),
	}
}

func affirmation(t *testing.T, recipient common.Address, value *big.Int) types.Log {
	t.Helper()
	ev := contracts.HomeBridge.Events["AffirmationCompleted"]
	data, err := ev.Inputs.Pack(recipient, value, [32]byte{1})
	if err != nil {
		t.Fatalf("pack affirmation: %v", err)
	}
	return types.Log{Address: testCfg.HomeBridge, Topics: []common.Hash{ev.ID}, Data: data}
}

func mined(hash common.Hash) *types.Receipt {
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}
}

func TestWithdraw_MatchesTaggedCredit(t *testing.T) {
	tr, foreign, home := newTestTransfer(t, testCfg, 42)
	home.OnSubmit = func(_ chain.Submission, hash common.Hash) (*types.Receipt, error) {
		// Untagged credit and a credit to someone else come first.
		foreign.Emit(tokenTransfer(testCfg.ForeignBridge, operator.Address, fiveCoins()))
		foreign.Emit(tokenTransfer(testCfg.ForeignBridge, stranger, new(big.Int).Add(fiveCoins(), big.NewInt(42))))
		foreign.Emit(tokenTransfer(testCfg.ForeignBridge, operator.Address, new(big.Int).Add(fiveCoins(), big.NewInt(42))))
		return mined(hash), nil
	}

	res, err := tr.Withdraw(context.Background(), fiveCoins())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Amount().String() != "5000000000000000042" {
		t.Fatalf("expected 5000000000000000042, got %s", res.Amount())
	}
	if !res.Confirmed || res.Credit == nil || res.Tag.Nonce != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Credit.Topics[2] != chain.AddressTopic(operator.Address) {
		t.Fatalf("matched a credit to the wrong account")
	}

	subs := home.Submissions()
	if len(subs) != 1 || subs[0].To != testCfg.HomeBridge || subs[0].Value.Cmp(res.Amount()) != 0 {
		t.Fatalf("unexpected home submission: %+v", subs)
	}
	if len(foreign.Submissions()) != 0 {
		t.Fatal("withdraw must not submit on the foreign chain")
	}
	if tr.tags.size() != 0 {
		t.Fatal("confirmed tag not released")
	}
}

func TestWithdraw_TimeoutKeepsTag(t *testing.T) {
	cfg := testCfg
	cfg.Timeout = 100 * time.Millisecond
	tr, _, _ := newTestTransfer(t, cfg, 7)

	start := time.Now()
	res, err := tr.Withdraw(context.Background(), big.NewInt(1000))
	if !errors.Is(err, chain.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	if time.Since(start) < cfg.Timeout {
		t.Fatal("timed out before the configured timeout")
	}

	var pe *chain.PendingError
	if !errors.As(err, &pe) || pe.Endpoint != chain.Home || pe.TxHash != res.TxHash {
		t.Fatalf("expected pending home tx, got %v", err)
	}
	if tr.tags.size() != 1 {
		t.Fatal("tag of an unconfirmed transfer must stay claimed")
	}
}

func TestWithdraw_RejectedReleasesTag(t *testing.T) {
	tr, foreign, home := newTestTransfer(t, testCfg, 1)
	home.OnSubmit = func(chain.Submission, common.Hash) (*types.Receipt, error) {
		return nil, chain.ErrSubmissionRejected
	}

	_, err := tr.Withdraw(context.Background(), big.NewInt(1000))
	if !errors.Is(err, chain.ErrSubmissionRejected) {
		t.Fatalf("expected ErrSubmissionRejected, got %v", err)
	}
	if tr.tags.size() != 0 {
		t.Fatal("rejected tag not released")
	}
	if foreign.ActiveWaits() != 0 {
		t.Fatal("credit wait not torn down")
	}
}

func TestTransfer_RevertedReleasesTag(t *testing.T) {
	cfg := testCfg
	cfg.ConfirmDeposits = true
	reverted := func(_ chain.Submission, hash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusFailed}, chain.ErrSubmissionRejected
	}

	tests := []struct {
		name string
		run  func(*Transfer) (*Result, error)
		src  func(foreign, home *chaintest.Fake) *chaintest.Fake
	}{
		{
			name: "withdraw",
			run:  func(tr *Transfer) (*Result, error) { return tr.Withdraw(context.Background(), big.NewInt(1000)) },
			src:  func(_, home *chaintest.Fake) *chaintest.Fake { return home },
		},
		{
			name: "deposit",
			run:  func(tr *Transfer) (*Result, error) { return tr.Deposit(context.Background(), big.NewInt(1000)) },
			src:  func(foreign, _ *chaintest.Fake) *chaintest.Fake { return foreign },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, foreign, home := newTestTransfer(t, cfg, 5)
			tt.src(foreign, home).OnSubmit = reverted

			res, err := tt.run(tr)
			if !errors.Is(err, chain.ErrSubmissionRejected) {
				t.Fatalf("expected ErrSubmissionRejected, got %v", err)
			}
			var pe *chain.PendingError
			if errors.As(err, &pe) {
				t.Fatalf("a reverted transfer is not pending: %v", err)
			}
			if res.TxHash == (common.Hash{}) {
				t.Fatal("reverted tx hash not reported")
			}
			if tr.tags.size() != 0 {
				t.Fatalf("reverted transfer left %d tag(s) claimed", tr.tags.size())
			}
		})
	}
}

func TestTransfers_MatchesRecipientAndTotal(t *testing.T) {
	tag, err := Tag(big.NewInt(1000), 7)
	if err != nil {
		t.Fatal(err)
	}
	match := transfers(tag, operator.Address)

	tests := []struct {
		name string
		log  types.Log
		want bool
	}{
		{"tagged total to recipient", tokenTransfer(testCfg.ForeignBridge, operator.Address, big.NewInt(1007)), true},
		{"tagged total to someone else", tokenTransfer(testCfg.ForeignBridge, stranger, big.NewInt(1007)), false},
		{"untagged amount", tokenTransfer(testCfg.ForeignBridge, operator.Address, big.NewInt(1000)), false},
	}
	for _, tt := range tests {
		got, err := match(tt.log)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: match = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWithdraw_HeadReadFails(t *testing.T) {
	tr, foreign, home := newTestTransfer(t, testCfg, 1)
	foreign.FailBlocks(errors.New("connection refused"))

	if _, err := tr.Withdraw(context.Background(), big.NewInt(1000)); !errors.Is(err, chain.ErrChainRead) {
		t.Fatalf("expected ErrChainRead, got %v", err)
	}
	if len(home.Submissions()) != 0 {
		t.Fatal("nothing may be submitted after a failed read")
	}
}

func TestWithdraw_MalformedCredit(t *testing.T) {
	tr, foreign, home := newTestTransfer(t, testCfg, 1)
	home.OnSubmit = func(_ chain.Submission, hash common.Hash) (*types.Receipt, error) {
		l := tokenTransfer(testCfg.ForeignBridge, operator.Address, big.NewInt(1))
		l.Data = nil
		foreign.Emit(l)
		return mined(hash), nil
	}

	if _, err := tr.Withdraw(context.Background(), big.NewInt(1000)); !errors.Is(err, chain.ErrMalformedEventData) {
		t.Fatalf("expected ErrMalformedEventData, got %v", err)
	}
}

func TestDeposit_Confirmed(t *testing.T) {
	cfg := testCfg
	cfg.ConfirmDeposits = true
	tr, foreign, home := newTestTransfer(t, cfg, 9)
	foreign.OnSubmit = func(_ chain.Submission, hash common.Hash) (*types.Receipt, error) {
		home.Emit(affirmation(t, stranger, big.NewInt(1009)))
		home.Emit(affirmation(t, operator.Address, big.NewInt(1000)))
		home.Emit(affirmation(t, operator.Address, big.NewInt(1009)))
		return mined(hash), nil
	}

	res, err := tr.Deposit(context.Background(), big.NewInt(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Confirmed || res.Amount().Int64() != 1009 {
		t.Fatalf("unexpected result: %+v", res)
	}

	subs := foreign.Submissions()
	if len(subs) != 1 || subs[0].To != testCfg.Token {
		t.Fatalf("expected one token transfer, got %+v", subs)
	}
	args, err := contracts.ERC20.Methods["transfer"].Inputs.Unpack(subs[0].Data[4:])
	if err != nil {
		t.Fatalf("unpack transfer: %v", err)
	}
	if args[0].(common.Address) != testCfg.ForeignBridge || args[1].(*big.Int).Int64() != 1009 {
		t.Fatalf("unexpected transfer args: %v", args)
	}
}

func TestDeposit_UnconfirmedReturnsAfterSubmit(t *testing.T) {
	tr, foreign, home := newTestTransfer(t, testCfg, 3)

	res, err := tr.Deposit(context.Background(), big.NewInt(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Confirmed || res.Credit != nil {
		t.Fatalf("deposit without confirmation reported a credit: %+v", res)
	}
	if res.TxHash == (common.Hash{}) || res.Amount().Int64() != 1003 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(foreign.Submissions()) != 1 || home.ActiveWaits() != 0 {
		t.Fatal("unconfirmed deposit should only submit on the foreign chain")
	}
	if tr.tags.size() != 0 {
		t.Fatal("tag not released")
	}
}

func TestTransfer_InvalidAmount(t *testing.T) {
	tr, _, _ := newTestTransfer(t, testCfg, 0)
	if _, err := tr.Deposit(context.Background(), big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := tr.Withdraw(context.Background(), nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	foreign, home := chaintest.New(chain.Foreign), chaintest.New(chain.Home)

	if _, err := New(home, foreign, operator, testCfg); err == nil {
		t.Fatal("expected error for swapped endpoints")
	}
	cfg := testCfg
	cfg.NonceRange = MaxNonceRange + 1
	if _, err := New(foreign, home, operator, cfg); !errors.Is(err, ErrNonceRange) {
		t.Fatalf("expected ErrNonceRange, got %v", err)
	}

	tr, err := New(foreign, home, operator, testCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Headroom().Int64() != 65535 {
		t.Fatalf("expected default headroom 65535, got %s", tr.Headroom())
	}
}
