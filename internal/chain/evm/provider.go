// Package evm reports inbound transfer status from an EVM JSON-RPC node.
package evm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/atmx/pool-ledger/internal/confirm"
	"github.com/atmx/pool-ledger/internal/model"
)

// receiptReader is the subset of *ethclient.Client the provider needs.
type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Provider implements confirm.TransactionStatusProvider. A transfer is
// finalized once its block has the configured number of confirmations.
type Provider struct {
	client        receiptReader
	confirmations uint64
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string, confirmations uint64) (*Provider, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	return NewProvider(client, confirmations), client.Close, nil
}

// NewProvider wraps an existing client. confirmations below 1 is treated as 1.
func NewProvider(client receiptReader, confirmations uint64) *Provider {
	if confirmations == 0 {
		confirmations = 1
	}
	return &Provider{client: client, confirmations: confirmations}
}

// Lookup reports the status of the transaction whose hash is transferRef.
func (p *Provider) Lookup(ctx context.Context, transferRef string) (confirm.TransferStatus, error) {
	raw, err := hexutil.Decode(transferRef)
	if err != nil || len(raw) != common.HashLength {
		return confirm.StatusUnknown, fmt.Errorf("evm: transfer ref %q is not a tx hash: %w", transferRef, model.ErrValidation)
	}

	receipt, err := p.client.TransactionReceipt(ctx, common.BytesToHash(raw))
	if errors.Is(err, ethereum.NotFound) {
		return confirm.StatusUnknown, nil
	}
	if err != nil {
		return confirm.StatusUnknown, fmt.Errorf("evm: receipt %s: %w", transferRef, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return confirm.StatusFailed, nil
	}
	if receipt.BlockNumber == nil {
		return confirm.StatusPending, nil
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return confirm.StatusUnknown, fmt.Errorf("evm: block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head >= mined && head-mined+1 >= p.confirmations {
		return confirm.StatusFinalized, nil
	}
	return confirm.StatusPending, nil
}

var _ confirm.TransactionStatusProvider = (*Provider)(nil)
