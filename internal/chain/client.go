package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Default polling cadence for receipts and event scans.
const (
	DefaultPollInterval = 2 * time.Second
)

// Backend is the subset of *ethclient.Client the Client depends on.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Client implements Access on top of a JSON-RPC node. It owns the
// connection handle for one endpoint and serializes transaction nonces per
// sending account.
type Client struct {
	endpoint Endpoint
	backend  Backend
	chainID  *big.Int
	poll     time.Duration
	log      *slog.Logger

	nonceMu sync.Mutex
	senders map[common.Address]*sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets how often receipts and logs are polled.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient wraps an existing backend. chainID must be the chain's EIP-155 id.
func NewClient(endpoint Endpoint, backend Backend, chainID *big.Int, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		backend:  backend,
		chainID:  new(big.Int).Set(chainID),
		poll:     DefaultPollInterval,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		senders:  make(map[common.Address]*sync.Mutex),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("chain", endpoint.String())
	return c
}

// Dial connects to rawURL. When chainID is zero it is fetched from the node.
func Dial(ctx context.Context, endpoint Endpoint, rawURL string, chainID uint64, opts ...Option) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", endpoint, err)
	}

	id := new(big.Int).SetUint64(chainID)
	if chainID == 0 {
		id, err = ec.ChainID(ctx)
		if err != nil {
			ec.Close()
			return nil, ReadError(fmt.Sprintf("%s chain id", endpoint), err)
		}
	}
	return NewClient(endpoint, ec, id, opts...), nil
}

// Close releases the underlying connection.
func (c *Client) Close() { c.backend.Close() }

func (c *Client) Endpoint() Endpoint { return c.endpoint }

// ChainID returns the EIP-155 chain id used for signing.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, ReadError(fmt.Sprintf("%s balance of %s", c.endpoint, addr.Hex()), err)
	}
	return bal, nil
}

func (c *Client) Call(ctx context.Context, contract common.Address, data []byte, from common.Address) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, ReadError(fmt.Sprintf("%s call %s", c.endpoint, contract.Hex()), err)
	}
	return out, nil
}

func (c *Client) LatestBlock(ctx context.Context) (Block, error) {
	h, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Block{}, ReadError(fmt.Sprintf("%s latest block", c.endpoint), err)
	}
	return Block{Number: h.Number.Uint64(), Timestamp: h.Time}, nil
}

// Submit signs and broadcasts s, then polls for its receipt. Node-side
// refusals and reverted receipts are ErrSubmissionRejected. If ctx ends
// after broadcast the error is a *PendingError carrying the hash.
func (c *Client) Submit(ctx context.Context, s Submission) (*types.Receipt, error) {
	if s.From == nil || s.From.Signer == nil {
		return nil, fmt.Errorf("%w: submission has no signing account", ErrSubmissionRejected)
	}

	tx, err := c.broadcast(ctx, s)
	if err != nil {
		return nil, err
	}
	c.log.Info("transaction broadcast", "tx", tx.Hash().Hex(), "to", s.To.Hex(), "nonce", tx.Nonce())

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, &PendingError{Endpoint: c.endpoint, TxHash: tx.Hash(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s tx %s reverted in block %d",
			ErrSubmissionRejected, c.endpoint, tx.Hash().Hex(), receipt.BlockNumber)
	}
	return receipt, nil
}

// broadcast allocates the nonce and sends the signed transaction while
// holding the sender's lock, so concurrent submissions from one account
// never reuse a nonce.
func (c *Client) broadcast(ctx context.Context, s Submission) (*types.Transaction, error) {
	mu := c.senderLock(s.From.Address)
	mu.Lock()
	defer mu.Unlock()

	value := s.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, s.From.Address)
	if err != nil {
		return nil, ReadError(fmt.Sprintf("%s nonce", c.endpoint), err)
	}

	gasPrice := s.Gas.Price
	if gasPrice == nil {
		if gasPrice, err = c.backend.SuggestGasPrice(ctx); err != nil {
			return nil, ReadError(fmt.Sprintf("%s gas price", c.endpoint), err)
		}
	}

	gasLimit := s.Gas.Limit
	if gasLimit == 0 {
		to := s.To
		gasLimit, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  s.From.Address,
			To:    &to,
			Value: value,
			Data:  s.Data,
		})
		if err != nil {
			// Estimation executes the call; failure means it would revert.
			return nil, fmt.Errorf("%w: %s estimate gas: %v", ErrSubmissionRejected, c.endpoint, err)
		}
	}

	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &s.To,
		Value:    value,
		Data:     s.Data,
	})

	signed, err := s.From.Signer.SignTx(ctx, unsigned, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrSubmissionRejected, err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: %s send: %v", ErrSubmissionRejected, c.endpoint, err)
	}
	return signed, nil
}

func (c *Client) senderLock(addr common.Address) *sync.Mutex {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	mu, ok := c.senders[addr]
	if !ok {
		mu = &sync.Mutex{}
		c.senders[addr] = mu
	}
	return mu
}

// waitMined polls for the receipt until it exists or ctx ends. Read errors
// other than "not found" are logged and retried on the next tick.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.log.Debug("receipt poll failed", "tx", hash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
