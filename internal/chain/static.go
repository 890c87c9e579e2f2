package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"
)

// StaticOracle serves balances from memory. It backs development mode and tests.
type StaticOracle struct {
	mu       sync.RWMutex
	balances map[string]*big.Int
	fallback *big.Int
	err      error
}

// NewStaticOracle returns an oracle where unknown addresses hold fallback
// (nil means zero).
func NewStaticOracle(fallback *big.Int) *StaticOracle {
	return &StaticOracle{balances: make(map[string]*big.Int), fallback: fallback}
}

// Set assigns a balance.
func (s *StaticOracle) Set(address string, balance *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[strings.ToLower(address)] = new(big.Int).Set(balance)
}

// Fail makes every subsequent lookup return err; nil restores normal operation.
func (s *StaticOracle) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// BalanceOf implements Oracle.
func (s *StaticOracle) BalanceOf(_ context.Context, address string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if b, ok := s.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	if s.fallback != nil {
		return new(big.Int).Set(s.fallback), nil
	}
	return new(big.Int), nil
}
