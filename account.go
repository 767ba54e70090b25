// Copyright 2018 The xfsgo Authors
// This file is part of the xfsgo library.
//
// The xfsgo library is free software: you can redistribute it and/or modify
// it under the terms of the MIT Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The xfsgo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// MIT Lesser General Public License for more details.
//
// You should have received a copy of the MIT Lesser General Public License
// along with the xfsgo library. If not, see <https://mit-license.org/>.

package budlum

import (
	"encoding/json"

	"budlum/common"
	"budlum/internal/xcrypto"
	"budlum/merkle"
)

// GenesisAddress is the well-known sender address forbidden from
// originating ordinary transactions — apply_tx's "tx.from != genesis"
// check (spec 4.4) targets whichever address the zero public key derives
// to, which no real key can ever produce a valid signature for.
var GenesisAddress = xcrypto.DefaultPubKeyToAddr(make([]byte, common.PubKeyLen))

// Account mirrors xfsgo's manage_state.go account record, trimmed to the
// two counters spec section 3 names.
type Account struct {
	PublicKey common.PubKey `json:"public_key"`
	Balance   uint64        `json:"balance"`
	Nonce     uint64        `json:"nonce"`
}

func (a *Account) clone() *Account {
	cp := *a
	return &cp
}

// Validator tracks a staked participant's standing. Field set follows
// spec section 3 exactly; there is no equivalent in xfsgo, which has no
// proof-of-stake engine — grounded instead on wyf-ACCEPT-eth2030's
// validator-registry shape (stake/slashed/exit-epoch bookkeeping).
type Validator struct {
	Address      common.Address `json:"address"`
	Stake        uint64         `json:"stake"`
	Active       bool           `json:"active"`
	Slashed      bool           `json:"slashed"`
	Jailed       bool           `json:"jailed"`
	JailUntil    uint64         `json:"jail_until"`
	LastProposed *uint64        `json:"last_proposed,omitempty"`

	// BLSPubKey is the compressed G1 public key backing this validator's
	// prevote/precommit signatures in the finality gadget (spec 4.5.2).
	// Empty until the validator registers one via a Stake transaction's
	// payload; a validator with no BLS key can still propose blocks but
	// cannot be counted toward a finality quorum.
	BLSPubKey []byte `json:"bls_pub_key,omitempty"`
}

func (v *Validator) clone() *Validator {
	cp := *v
	if v.LastProposed != nil {
		h := *v.LastProposed
		cp.LastProposed = &h
	}
	if v.BLSPubKey != nil {
		cp.BLSPubKey = append([]byte(nil), v.BLSPubKey...)
	}
	return &cp
}

// EffectiveStake is the stake counted toward leader election and
// fork-choice score: jailed and slashed validators contribute nothing.
func (v *Validator) EffectiveStake() uint64 {
	if v.Jailed || v.Slashed || !v.Active {
		return 0
	}
	return v.Stake
}

// AccountState is the account-based world state: balances, nonces, and
// the validator registry, plus the PoS engine's RANDAO seed. Shape
// follows xfsgo's manage_state.go managerState (an in-memory map guarded
// by the caller's lock, snapshotted into a Merkle root on demand) rather
// than that file's underlying AVL trie, which this module drops in favor
// of a flat sorted-address Merkle walk (see DESIGN.md).
type AccountState struct {
	accounts   map[common.Address]*Account
	validators map[common.Address]*Validator
	EpochIndex uint64
	EpochSeed  [32]byte
}

func NewAccountState() *AccountState {
	return &AccountState{
		accounts:   make(map[common.Address]*Account),
		validators: make(map[common.Address]*Validator),
	}
}

type accountRecord struct {
	Address common.Address `json:"address"`
	Account *Account       `json:"account"`
}

type validatorRecord struct {
	Address   common.Address `json:"address"`
	Validator *Validator     `json:"validator"`
}

// accountStateSnapshot is AccountState's on-disk shape (internal/storage's
// SNAPSHOT: records, spec section 6). A plain map[common.Address]*Account
// can't round-trip through encoding/json — map keys must be strings,
// integers, or an encoding.TextMarshaler, which Address isn't — so the
// snapshot flattens both maps into address-sorted slices instead, the
// same shape extradb.go's TxIndex used for its own json.Marshal payload.
type accountStateSnapshot struct {
	Accounts   []accountRecord   `json:"accounts"`
	Validators []validatorRecord `json:"validators"`
	EpochIndex uint64            `json:"epoch_index"`
	EpochSeed  [32]byte          `json:"epoch_seed"`
}

// MarshalJSON implements the snapshot encoding a storage backend persists
// under a SNAPSHOT:{index} key.
func (s *AccountState) MarshalJSON() ([]byte, error) {
	snap := accountStateSnapshot{EpochIndex: s.EpochIndex, EpochSeed: s.EpochSeed}
	for _, addr := range s.sortedAccountAddresses() {
		snap.Accounts = append(snap.Accounts, accountRecord{Address: addr, Account: s.accounts[addr]})
	}
	for _, addr := range s.SortedValidatorAddresses() {
		snap.Validators = append(snap.Validators, validatorRecord{Address: addr, Validator: s.validators[addr]})
	}
	return json.Marshal(snap)
}

func (s *AccountState) UnmarshalJSON(data []byte) error {
	var snap accountStateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.accounts = make(map[common.Address]*Account, len(snap.Accounts))
	for _, rec := range snap.Accounts {
		s.accounts[rec.Address] = rec.Account
	}
	s.validators = make(map[common.Address]*Validator, len(snap.Validators))
	for _, rec := range snap.Validators {
		s.validators[rec.Address] = rec.Validator
	}
	s.EpochIndex = snap.EpochIndex
	s.EpochSeed = snap.EpochSeed
	return nil
}

func (s *AccountState) sortedAccountAddresses() []common.Address {
	addrs := make([]common.Address, 0, len(s.accounts))
	for a := range s.accounts {
		addrs = append(addrs, a)
	}
	return common.SortAddresses(addrs)
}

// Clone deep-copies the state so a caller (chain manager reorg rollback,
// speculative validation) can mutate the copy without perturbing pre.
func (s *AccountState) Clone() *AccountState {
	out := &AccountState{
		accounts:   make(map[common.Address]*Account, len(s.accounts)),
		validators: make(map[common.Address]*Validator, len(s.validators)),
		EpochIndex: s.EpochIndex,
		EpochSeed:  s.EpochSeed,
	}
	for k, v := range s.accounts {
		out.accounts[k] = v.clone()
	}
	for k, v := range s.validators {
		out.validators[k] = v.clone()
	}
	return out
}

// Account returns the account at addr, lazily creating a zero-balance one
// per spec section 3's lifecycle rule — never mutates the map for a pure
// lookup that finds nothing unless create is true.
func (s *AccountState) Account(addr common.Address, pub common.PubKey, create bool) *Account {
	if acc, ok := s.accounts[addr]; ok {
		return acc
	}
	if !create {
		return &Account{PublicKey: pub}
	}
	acc := &Account{PublicKey: pub}
	s.accounts[addr] = acc
	return acc
}

func (s *AccountState) Balance(addr common.Address) uint64 {
	if acc, ok := s.accounts[addr]; ok {
		return acc.Balance
	}
	return 0
}

func (s *AccountState) Nonce(addr common.Address) uint64 {
	if acc, ok := s.accounts[addr]; ok {
		return acc.Nonce
	}
	return 0
}

func (s *AccountState) Validator(addr common.Address) (*Validator, bool) {
	v, ok := s.validators[addr]
	return v, ok
}

func (s *AccountState) TotalActiveStake() uint64 {
	var total uint64
	for _, v := range s.validators {
		total += v.EffectiveStake()
	}
	return total
}

// SortedValidatorAddresses returns validator addresses in ascending
// order — the "deterministic order" spec 4.5.2's leader-election walk
// and the state-root computation both require.
func (s *AccountState) SortedValidatorAddresses() []common.Address {
	addrs := make([]common.Address, 0, len(s.validators))
	for a := range s.validators {
		addrs = append(addrs, a)
	}
	return common.SortAddresses(addrs)
}

// StateRoot is the Merkle root over every account and validator record,
// serialized in ascending-address order and domain-tagged BDLM_STATE_V1
// (spec section 3).
func (s *AccountState) StateRoot() common.Hash {
	seen := make(map[common.Address]struct{}, len(s.accounts)+len(s.validators))
	addrs := make([]common.Address, 0, len(seen))
	for a := range s.accounts {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			addrs = append(addrs, a)
		}
	}
	for a := range s.validators {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			addrs = append(addrs, a)
		}
	}
	addrs = common.SortAddresses(addrs)

	leaves := make([]common.Hash, 0, len(addrs))
	for _, addr := range addrs {
		enc := xcrypto.NewEncoder().WriteRaw(addr.Bytes())
		if acc, ok := s.accounts[addr]; ok {
			enc.WriteRaw(acc.PublicKey.Bytes()).WriteUint64(acc.Balance).WriteUint64(acc.Nonce)
		} else {
			enc.WriteRaw(common.PubKey{}.Bytes()).WriteUint64(0).WriteUint64(0)
		}
		if v, ok := s.validators[addr]; ok {
			enc.WriteUint64(v.Stake).
				WriteByte(boolByte(v.Active)).
				WriteByte(boolByte(v.Slashed)).
				WriteByte(boolByte(v.Jailed)).
				WriteUint64(v.JailUntil).
				WriteBytes(v.BLSPubKey)
		} else {
			enc.WriteUint64(0).WriteByte(0).WriteByte(0).WriteByte(0).WriteUint64(0).WriteBytes(nil)
		}
		leaves = append(leaves, enc.Hash(xcrypto.DomainState))
	}
	return merkle.Root(leaves)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// ApplyBlock runs apply_tx over every transaction in order, credits the
// block reward, applies any in-block slashing evidence, and checks the
// recomputed state root against the header — spec 4.4. pre is left
// untouched; the returned state is a fresh clone on success. On any
// failure the whole block is rejected — no partial state is returned.
func (s *AccountState) ApplyBlock(block *Block, cfg *common.ChainConfig) (*AccountState, error) {
	if got := merkle.Root(Transactions(block.Transactions).Hashes()); got != block.Header.TxRoot {
		return nil, ErrTxRootMismatch
	}

	post := s.Clone()

	var totalFees uint64
	for _, tx := range block.Transactions {
		fee, err := post.applyTx(tx, block.Header.ChainID, cfg.MinStake)
		if err != nil {
			return nil, err
		}
		totalFees += fee
	}

	producerAddr := xcrypto.DefaultPubKeyToAddr(block.Header.Producer.Bytes())
	reward := post.Account(producerAddr, block.Header.Producer, true)
	reward.Balance += cfg.BlockReward + totalFees

	for i := range block.Header.SlashingEvidence {
		ev := &block.Header.SlashingEvidence[i]
		addr := xcrypto.DefaultPubKeyToAddr(ev.Producer.Bytes())
		v, ok := post.validators[addr]
		if !ok || v.Slashed {
			continue
		}
		burn := v.Stake
		if !ev.Full {
			burn = v.Stake * cfg.SlashRatioMilli / 1000
			if burn > v.Stake {
				burn = v.Stake
			}
		}
		v.Stake -= burn
		v.Slashed = true
		v.Active = false
		v.Jailed = true
		v.JailUntil = block.Header.Index + cfg.JailPeriod
	}

	if got := post.StateRoot(); got != block.Header.StateRoot {
		return nil, ErrStateRootMismatch
	}
	return post, nil
}

// applyTx executes a single transaction against s in place, returning the
// fee collected on success (spec 4.4 step 2).
func (s *AccountState) applyTx(tx *Transaction, chainID uint64, minStake uint64) (uint64, error) {
	if !tx.VerifySignature() {
		return 0, ErrInvalidSignature
	}
	if tx.ChainID != chainID {
		return 0, ErrWrongChain
	}
	fromAddr := tx.FromAddr()
	if fromAddr == GenesisAddress {
		return 0, ErrGenesisSender
	}

	sender := s.Account(fromAddr, tx.From, false)
	if tx.Nonce != sender.Nonce {
		return 0, ErrBadNonce
	}
	cost := tx.Cost()
	if sender.Balance < cost {
		return 0, ErrInsufficientFunds
	}

	sender = s.Account(fromAddr, tx.From, true)
	sender.Balance -= cost
	sender.Nonce++

	switch tx.Type {
	case Transfer:
		recipient := s.Account(tx.ToAddr(), tx.To, true)
		recipient.Balance += tx.Amount

	case Stake:
		v, ok := s.validators[fromAddr]
		if !ok {
			v = &Validator{Address: fromAddr}
			s.validators[fromAddr] = v
		}
		v.Stake += tx.Amount
		if v.Stake < minStake {
			return 0, ErrBelowMinStake
		}
		v.Active = true
		// A Stake tx may carry a compressed BLS12-381 public key in Data to
		// register (or rotate) the key backing this validator's finality
		// votes; anything else in Data is ignored.
		if len(tx.Data) == xcrypto.BLSPublicKeySize {
			v.BLSPubKey = append([]byte(nil), tx.Data...)
		}

	case Unstake:
		v, ok := s.validators[fromAddr]
		if !ok {
			return 0, ErrValidatorJailed
		}
		if v.Slashed {
			return 0, ErrValidatorSlashed
		}
		if v.Jailed {
			return 0, ErrValidatorJailed
		}
		if tx.Amount > v.Stake {
			v.Stake = 0
		} else {
			v.Stake -= tx.Amount
		}
		if v.Stake == 0 {
			v.Active = false
		}

	case Vote:
		// governance effects are out of scope beyond the nonce/balance
		// bookkeeping already applied above.
	}

	return tx.Fee, nil
}
