// Package ledger is the per-wallet view of the hub ledger and the transfer and
// swap lifecycle built on it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	cerrors "commitchain/core/errors"
	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
	"commitchain/storage/locks"
)

var (
	errNilOperator = errors.New("ledger: operator key not configured")
	errNilLocks    = errors.New("ledger: lock manager not configured")
	errNoEonSource = errors.New("ledger: eon source not configured")
)

// Config wires the ledger to its collaborators.
type Config struct {
	Contract common.Address
	Operator *crypto.PrivateKey
	Locks    *locks.Manager
	Logger   *slog.Logger
}

// StateSubmission is a client-signed active state.
type StateSubmission struct {
	Spendings types.Amount
	Gains     types.Amount
	TxSetRoot common.Hash
	Signature crypto.Signature
}

// Ledger validates and records transfers and swaps.
type Ledger struct {
	db       *gorm.DB
	contract common.Address
	operator *crypto.PrivateKey
	locks    *locks.Manager
	logger   *slog.Logger
	emitter  events.Emitter
	nowFn    func() time.Time
	eonFn    func(context.Context) (uint64, error)
}

// New builds a ledger over db.
func New(db *gorm.DB, cfg Config) (*Ledger, error) {
	if cfg.Operator == nil {
		return nil, errNilOperator
	}
	if cfg.Locks == nil {
		return nil, errNilLocks
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:       db,
		contract: cfg.Contract,
		operator: cfg.Operator,
		locks:    cfg.Locks,
		logger:   logger.With(slog.String("component", "ledger")),
		emitter:  events.NoopEmitter{},
		nowFn:    time.Now,
	}, nil
}

// SetEmitter configures the event emitter used by the ledger. Passing nil resets
// the emitter to a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the clock used for swap priority timestamps.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.nowFn = time.Now
		return
	}
	l.nowFn = now
}

// SetEonFunc configures the source of the current eon number.
func (l *Ledger) SetEonFunc(fn func(context.Context) (uint64, error)) { l.eonFn = fn }

// DB exposes the underlying store.
func (l *Ledger) DB() *gorm.DB { return l.db }

// Contract returns the hub contract address bound into checksums.
func (l *Ledger) Contract() common.Address { return l.contract }

// OperatorAddress returns the operator's signing address.
func (l *Ledger) OperatorAddress() common.Address { return l.operator.Address() }

// Logger returns the component logger.
func (l *Ledger) Logger() *slog.Logger { return l.logger }

// Locks returns the shared lock manager.
func (l *Ledger) Locks() *locks.Manager { return l.locks }

// Emit forwards an event to the configured sink.
func (l *Ledger) Emit(evt events.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(evt)
}

func (l *Ledger) now() time.Time {
	if l.nowFn == nil {
		return time.Now()
	}
	return l.nowFn()
}

// CurrentEon returns the eon new operations must target.
func (l *Ledger) CurrentEon(ctx context.Context) (uint64, error) {
	if l.eonFn == nil {
		return 0, errNoEonSource
	}
	return l.eonFn(ctx)
}

func (l *Ledger) requireEon(ctx context.Context, eon uint64) error {
	current, err := l.CurrentEon(ctx)
	if err != nil {
		return err
	}
	if current != eon {
		return cerrors.Validation(cerrors.CodeEonOutOfSync, "request eon %d, current eon %d", eon, current)
	}
	return nil
}

// withWallets holds the entity mutex of every wallet, in ascending id order so
// concurrent callers cannot deadlock.
func (l *Ledger) withWallets(ctx context.Context, ids []uint64, fn func(context.Context) error) error {
	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var run func(ctx context.Context, idx int) error
	run = func(ctx context.Context, idx int) error {
		if idx == len(sorted) {
			return fn(ctx)
		}
		if idx > 0 && sorted[idx] == sorted[idx-1] {
			return run(ctx, idx+1)
		}
		return l.locks.WithEntity(ctx, &models.Wallet{ID: sorted[idx]}, func(ctx context.Context) error {
			return run(ctx, idx+1)
		})
	}
	return run(ctx, 0)
}

// underEon runs fn as a reader of the eon's checkpoint lock and then under the
// wallet mutexes. Database row locks are only taken inside fn.
func (l *Ledger) underEon(ctx context.Context, eon uint64, walletIDs []uint64, fn func(context.Context) error) error {
	return l.locks.WithRead(ctx, locks.EonLockName(eon), func(ctx context.Context) error {
		return l.withWallets(ctx, walletIDs, fn)
	})
}

// LookupToken finds a registered token by address.
func LookupToken(tx *gorm.DB, addr common.Address) (models.Token, error) {
	var token models.Token
	err := tx.Where("address = ?", addr.Hex()).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return token, cerrors.Validation(cerrors.CodeTokenMismatch, "token %s not registered", addr.Hex())
	}
	return token, err
}

// LookupWallet finds the wallet of owner for token.
func LookupWallet(tx *gorm.DB, owner common.Address, tokenID uint64) (models.Wallet, error) {
	var wallet models.Wallet
	err := tx.Where("address = ? AND token_id = ?", owner.Hex(), tokenID).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet, cerrors.Validation(cerrors.CodeWalletNotAdmitted, "wallet %s not admitted for token %d", owner.Hex(), tokenID)
	}
	return wallet, err
}

func requireUsable(wallet models.Wallet, eon uint64) error {
	if wallet.Blacklisted {
		return cerrors.Validation(cerrors.CodeWalletBlacklisted, "wallet %s is blacklisted", wallet.Address)
	}
	if wallet.RegistrationEon > eon {
		return cerrors.Validation(cerrors.CodeWalletNotAdmitted, "wallet %s admitted from eon %d", wallet.Address, wallet.RegistrationEon)
	}
	return nil
}

func lockTransfer(tx *gorm.DB, id uint64) (models.Transfer, error) {
	var t models.Transfer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return t, cerrors.Validation(cerrors.CodeTransferNotFound, "transfer %d", id)
	}
	return t, err
}

// storeSignature persists sig after checking it was produced by signer.
func storeSignature(tx *gorm.DB, walletID uint64, signer common.Address, checksum common.Hash, sig crypto.Signature) (*models.Signature, error) {
	if err := crypto.Verify(signer, checksum, sig); err != nil {
		return nil, cerrors.Validation(cerrors.CodeInvalidSignature, "%v", err)
	}
	row := &models.Signature{WalletID: walletID, Checksum: checksum.Hex(), Value: sig.Hex()}
	if err := tx.Create(row).Error; err != nil {
		return nil, fmt.Errorf("store signature: %w", err)
	}
	return row, nil
}

// operatorSign signs checksum with the operator key. The signature is filed
// under the operator's wallet for the token when one exists.
func (l *Ledger) operatorSign(tx *gorm.DB, tokenID uint64, checksum common.Hash) (*models.Signature, error) {
	sig, err := crypto.Sign(l.operator, checksum)
	if err != nil {
		return nil, fmt.Errorf("operator sign: %w", err)
	}
	var walletID uint64
	if w, err := LookupWallet(tx, l.operator.Address(), tokenID); err == nil {
		walletID = w.ID
	}
	row := &models.Signature{WalletID: walletID, Checksum: checksum.Hex(), Value: sig.Hex()}
	if err := tx.Create(row).Error; err != nil {
		return nil, fmt.Errorf("store operator signature: %w", err)
	}
	return row, nil
}

// CheckSignature verifies a stored signature against its wallet address.
func CheckSignature(sig models.Signature, signer common.Address) error {
	parsed, err := crypto.ParseSignature(sig.Value)
	if err != nil {
		return err
	}
	return crypto.Verify(signer, common.HexToHash(sig.Checksum), parsed)
}

func uint64Ptr(v uint64) *uint64 { return &v }
