package signer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to a signer daemon over its Unix socket. It satisfies
// chain.TxSigner, so the operator key never enters the calling process.
type Client struct {
	conn *grpc.ClientConn
}

// Dial prepares a client for the daemon listening on socketPath. The
// connection is established lazily on first use.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("signer: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// SignTx sends tx to the daemon and verifies the returned transaction is
// the same one, signed.
func (c *Client) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("signer: encode tx: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"tx":       hexutil.Encode(raw),
		"chain_id": chainID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("signer: build request: %w", err)
	}

	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, signTransactionPath, req, out); err != nil {
		return nil, fmt.Errorf("signer: sign: %w", fromStatus(err))
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(out.GetValue()); err != nil {
		return nil, fmt.Errorf("signer: decode signed tx: %w", err)
	}
	s := types.LatestSignerForChainID(chainID)
	if s.Hash(signed) != s.Hash(tx) {
		return nil, fmt.Errorf("signer: daemon returned a different transaction")
	}
	return signed, nil
}

// Status fetches the daemon's session status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, sessionStatusPath, new(emptypb.Empty), out); err != nil {
		return Status{}, fmt.Errorf("signer: status: %w", fromStatus(err))
	}
	f := out.GetFields()

	st := Status{
		Active:       f["active"].GetBoolValue(),
		TTLRemaining: time.Duration(f["ttl_seconds"].GetNumberValue() * float64(time.Second)),
		ValueUsed:    new(big.Int),
		Address:      common.HexToAddress(f["address"].GetStringValue()),
	}
	if v, ok := new(big.Int).SetString(f["value_used"].GetStringValue(), 10); ok {
		st.ValueUsed = v
	}
	if v, ok := new(big.Int).SetString(f["max_value"].GetStringValue(), 10); ok {
		st.MaxValue = v
	}
	return st, nil
}

// Close tears down the connection.
func (c *Client) Close() error { return c.conn.Close() }
