package signer

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Handler serves the signer service from a SessionManager.
type Handler struct {
	session *SessionManager
	log     *slog.Logger
}

// NewHandler creates a Handler wired to the given SessionManager.
func NewHandler(session *SessionManager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{session: session, log: log}
}

// SignTransaction decodes the unsigned transaction and signs it through the
// session, which enforces TTL and value limits.
func (h *Handler) SignTransaction(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	fields := req.GetFields()

	raw, err := hexutil.Decode(fields["tx"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid tx: %v", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid tx: %v", err)
	}

	chainID, ok := new(big.Int).SetString(fields["chain_id"].GetStringValue(), 10)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "invalid chain_id: %q", fields["chain_id"].GetStringValue())
	}

	signed, err := h.session.SignTx(ctx, tx, chainID)
	if err != nil {
		h.log.Warn("sign request refused", "chain_id", chainID.String(), "nonce", tx.Nonce(), "error", err)
		return nil, toStatus(err)
	}
	out, err := signed.MarshalBinary()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode signed tx: %v", err)
	}

	h.log.Info("transaction signed",
		"chain_id", chainID.String(),
		"nonce", signed.Nonce(),
		"to", signed.To(),
		"value", signed.Value().String(),
		"hash", signed.Hash().Hex(),
	)
	return wrapperspb.Bytes(out), nil
}

// SessionStatus returns the current session key status.
func (h *Handler) SessionStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := h.session.Status()
	maxValue := ""
	if st.MaxValue != nil {
		maxValue = st.MaxValue.String()
	}
	out, err := structpb.NewStruct(map[string]any{
		"active":      st.Active,
		"ttl_seconds": st.TTLRemaining.Seconds(),
		"max_value":   maxValue,
		"value_used":  st.ValueUsed.String(),
		"address":     st.Address.Hex(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrSessionExpired):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrValueLimitExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Errorf(codes.Internal, "signing failed: %v", err)
	}
}

// fromStatus maps a status error from the daemon back onto the session
// sentinels so callers can match them with errors.Is.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Message() {
	case ErrNoActiveSession.Error():
		return ErrNoActiveSession
	case ErrSessionExpired.Error():
		return ErrSessionExpired
	case ErrValueLimitExceeded.Error():
		return ErrValueLimitExceeded
	}
	return err
}
