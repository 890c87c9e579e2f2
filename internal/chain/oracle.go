// Package chain reads token balances from an EVM chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses.
var ErrInvalidAddress = errors.New("invalid wallet address")

// Oracle returns a wallet's token balance in the token's smallest unit.
type Oracle interface {
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
}

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var balanceOfABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceABI))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid ERC-20 ABI: %v", err))
	}
	return parsed
}()

// ERC20Oracle calls balanceOf on an ERC-20 contract.
type ERC20Oracle struct {
	caller ethereum.ContractCaller
	token  common.Address
	closer func()
}

// NewERC20Oracle wraps an existing contract caller.
func NewERC20Oracle(caller ethereum.ContractCaller, token string) (*ERC20Oracle, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("token contract: %w", ErrInvalidAddress)
	}
	return &ERC20Oracle{caller: caller, token: common.HexToAddress(token)}, nil
}

// DialERC20 connects to a JSON-RPC endpoint and returns an oracle for token.
func DialERC20(ctx context.Context, rpcURL, token string) (*ERC20Oracle, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain RPC: %w", err)
	}
	o, err := NewERC20Oracle(client, token)
	if err != nil {
		client.Close()
		return nil, err
	}
	o.closer = client.Close
	return o, nil
}

// BalanceOf implements Oracle against the latest block.
func (o *ERC20Oracle) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, ErrInvalidAddress
	}
	data, err := balanceOfABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	out, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &o.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}

	values, err := balanceOfABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf output length %d", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", values[0])
	}
	return balance, nil
}

// Close releases the RPC connection when the oracle owns it.
func (o *ERC20Oracle) Close() {
	if o.closer != nil {
		o.closer()
	}
}
