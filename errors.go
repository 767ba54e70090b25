package budlum

import "errors"

// Error kinds surfaced at the core boundary. Grouped per concern the same
// way xfsgo's transaction_pool.go and block_chain.go declare their
// package-level `var ( fooErr = errors.New(...) )` blocks — no
// error-wrapping framework, just sentinel values and fmt.Errorf("...: %w").
var (
	ErrInvalidSignature  = errors.New("budlum: invalid signature")
	ErrWrongChain        = errors.New("budlum: wrong chain id")
	ErrBadNonce          = errors.New("budlum: bad nonce")
	ErrInsufficientFunds = errors.New("budlum: insufficient balance")
	ErrZeroAmount        = errors.New("budlum: transfer amount must be positive")
	ErrEmptyRecipient    = errors.New("budlum: transfer requires a recipient")
	ErrBelowMinStake     = errors.New("budlum: stake amount below minimum")
	ErrValidatorJailed   = errors.New("budlum: validator is jailed")
	ErrValidatorSlashed  = errors.New("budlum: validator is slashed")
	ErrStaleTimestamp    = errors.New("budlum: timestamp outside admission window")
	ErrGenesisSender     = errors.New("budlum: genesis account cannot originate transactions")
	ErrStateRootMismatch = errors.New("budlum: recomputed state root does not match block")
	ErrTxRootMismatch    = errors.New("budlum: recomputed tx root does not match block header")
)
