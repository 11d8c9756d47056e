// Package ledgertest builds funded ledgers and signed client submissions for
// package tests.
package ledgertest

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/crypto"
	"commitchain/native/ledger"
	"commitchain/storage/locks"
	"commitchain/storage/storagetest"
)

// Contract is the hub address bound into every test checksum.
var Contract = common.HexToAddress("0x00000000000000000000000000000000000c0de5")

// Fixture is a ledger over an in-memory database with a controllable eon.
type Fixture struct {
	T        testing.TB
	DB       *gorm.DB
	Ledger   *ledger.Ledger
	Locks    *locks.Manager
	Backend  *locks.MemoryBackend
	Operator *crypto.PrivateKey
	Events   *events.Recorder

	eon    atomic.Uint64
	mu     sync.Mutex
	nonces map[common.Address]uint64
	clock  time.Time
	frozen bool
}

// New returns a fixture positioned at eon 1.
func New(t testing.TB) *Fixture {
	t.Helper()
	operator, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("operator key: %v", err)
	}
	backend := locks.NewMemoryBackend()
	manager := locks.NewManager(backend, locks.Config{Lease: 5 * time.Second, RetryInterval: time.Millisecond, AutoRenew: true}, nil)
	db := storagetest.NewDB(t)
	l, err := ledger.New(db, ledger.Config{Contract: Contract, Operator: operator, Locks: manager})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	f := &Fixture{
		T:        t,
		DB:       db,
		Ledger:   l,
		Locks:    manager,
		Backend:  backend,
		Operator: operator,
		Events:   &events.Recorder{},
		nonces:   map[common.Address]uint64{},
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.eon.Store(1)
	l.SetEonFunc(func(context.Context) (uint64, error) { return f.eon.Load(), nil })
	l.SetEmitter(f.Events)
	l.SetNowFunc(f.tick)
	return f
}

// tick advances a deterministic clock so swap priority follows call order.
func (f *Fixture) tick() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.frozen {
		f.clock = f.clock.Add(time.Second)
	}
	return f.clock
}

// FreezeClock pins the ledger clock at at until the next call.
func (f *Fixture) FreezeClock(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock, f.frozen = at, true
}

// Eon returns the current eon.
func (f *Fixture) Eon() uint64 { return f.eon.Load() }

// SetEon moves the ledger to eon.
func (f *Fixture) SetEon(eon uint64) { f.eon.Store(eon) }

// Token registers a token at a deterministic address derived from seed.
func (f *Fixture) Token(seed byte) common.Address {
	f.T.Helper()
	addr := common.BytesToAddress([]byte{0xee, seed})
	if _, err := f.Ledger.RegisterToken(context.Background(), addr, "token", "TKN"); err != nil {
		f.T.Fatalf("register token: %v", err)
	}
	return addr
}

// Account generates a client key.
func (f *Fixture) Account() *crypto.PrivateKey {
	f.T.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		f.T.Fatalf("account key: %v", err)
	}
	return key
}

// Admit registers owner for token in the current eon.
func (f *Fixture) Admit(owner common.Address, token common.Address) models.Wallet {
	f.T.Helper()
	w, err := f.Ledger.RegisterWallet(context.Background(), owner, token, f.Eon())
	if err != nil {
		f.T.Fatalf("register wallet: %v", err)
	}
	return *w
}

// AdmitOperator admits the operator for token.
func (f *Fixture) AdmitOperator(token common.Address) models.Wallet {
	return f.Admit(f.Operator.Address(), token)
}

// Deposit credits amount to wallet in eon.
func (f *Fixture) Deposit(wallet models.Wallet, eon uint64, amount int64) {
	f.T.Helper()
	f.mu.Lock()
	f.nonces[common.Address{}]++
	seq := f.nonces[common.Address{}]
	f.mu.Unlock()
	row := &models.Deposit{
		WalletID:  wallet.ID,
		EonNumber: eon,
		Amount:    types.NewAmount(amount),
		TxHash:    common.BigToHash(new(big.Int).SetUint64(seq)).Hex(),
	}
	if err := f.DB.Create(row).Error; err != nil {
		f.T.Fatalf("deposit: %v", err)
	}
}

func (f *Fixture) nextNonce(owner common.Address) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[owner]++
	return f.nonces[owner]
}

// Sign drafts and signs the state walletID must submit for candidate.
func (f *Fixture) Sign(key *crypto.PrivateKey, walletID uint64, candidate *models.Transfer, finalized bool) ledger.StateSubmission {
	f.T.Helper()
	d, err := f.Ledger.DraftState(context.Background(), walletID, candidate.EonNumber, candidate, finalized)
	if err != nil {
		f.T.Fatalf("draft state: %v", err)
	}
	sig, err := crypto.Sign(key, d.Checksum)
	if err != nil {
		f.T.Fatalf("sign state: %v", err)
	}
	return ledger.StateSubmission{Spendings: d.Spendings, Gains: d.Gains, TxSetRoot: d.Root, Signature: sig}
}

func (f *Fixture) wallet(owner, token common.Address) models.Wallet {
	f.T.Helper()
	tok, err := ledger.LookupToken(f.DB, token)
	if err != nil {
		f.T.Fatalf("token: %v", err)
	}
	w, err := ledger.LookupWallet(f.DB, owner, tok.ID)
	if err != nil {
		f.T.Fatalf("wallet: %v", err)
	}
	return w
}

// TransferRequest builds a correctly signed transfer request.
func (f *Fixture) TransferRequest(sender *crypto.PrivateKey, recipient, token common.Address, amount int64, passive bool) ledger.TransferRequest {
	f.T.Helper()
	from := f.wallet(sender.Address(), token)
	to := f.wallet(recipient, token)
	req := ledger.TransferRequest{
		Sender:    sender.Address(),
		Recipient: recipient,
		Token:     token,
		Amount:    types.NewAmount(amount),
		Nonce:     f.nextNonce(sender.Address()),
		Eon:       f.Eon(),
		Passive:   passive,
	}
	candidate := &models.Transfer{
		WalletID:    from.ID,
		RecipientID: to.ID,
		Amount:      req.Amount,
		Nonce:       req.Nonce,
		EonNumber:   req.Eon,
		Passive:     passive,
	}
	req.State = f.Sign(sender, from.ID, candidate, false)
	return req
}

// Transfer schedules a signed transfer.
func (f *Fixture) Transfer(sender *crypto.PrivateKey, recipient, token common.Address, amount int64, passive bool) (*models.Transfer, error) {
	return f.Ledger.ScheduleTransfer(context.Background(), f.TransferRequest(sender, recipient, token, amount, passive))
}

// Receipt countersigns t as its recipient.
func (f *Fixture) Receipt(recipient *crypto.PrivateKey, t *models.Transfer) (*models.Transfer, error) {
	f.T.Helper()
	state := f.Sign(recipient, t.RecipientID, t, false)
	return f.Ledger.ReceiptTransfer(context.Background(), t.ID, state)
}

// SwapRequest builds a signed swap with the given number of later legs.
func (f *Fixture) SwapRequest(owner *crypto.PrivateKey, sell, buy common.Address, amount, swapped int64, laterLegs int) ledger.SwapRequest {
	f.T.Helper()
	debit := f.wallet(owner.Address(), sell)
	credit := f.wallet(owner.Address(), buy)
	req := ledger.SwapRequest{
		Owner:         owner.Address(),
		SellToken:     sell,
		BuyToken:      buy,
		Amount:        types.NewAmount(amount),
		AmountSwapped: types.NewAmount(swapped),
		Nonce:         f.nextNonce(owner.Address()),
		Eon:           f.Eon(),
	}
	candidate := &models.Transfer{
		WalletID:      debit.ID,
		RecipientID:   credit.ID,
		Amount:        req.Amount,
		AmountSwapped: types.SomeAmount(req.AmountSwapped),
		Nonce:         req.Nonce,
		EonNumber:     req.Eon,
		Swap:          true,
	}
	req.DebitState = f.Sign(owner, debit.ID, candidate, false)
	req.CreditState = f.Sign(owner, credit.ID, candidate, false)
	for i := 1; i <= laterLegs; i++ {
		checksum, err := crypto.SwapAuthorizationChecksum(Contract, sell, buy, owner.Address(), req.Amount, req.AmountSwapped, req.Nonce, req.Eon+uint64(i))
		if err != nil {
			f.T.Fatalf("authorization checksum: %v", err)
		}
		sig, err := crypto.Sign(owner, checksum)
		if err != nil {
			f.T.Fatalf("sign authorization: %v", err)
		}
		req.Authorizations = append(req.Authorizations, sig)
	}
	return req
}

// Swap schedules and confirms a swap, returning the live leg.
func (f *Fixture) Swap(owner *crypto.PrivateKey, sell, buy common.Address, amount, swapped int64, laterLegs int) *models.Transfer {
	f.T.Helper()
	ctx := context.Background()
	leg, err := f.Ledger.ScheduleSwap(ctx, f.SwapRequest(owner, sell, buy, amount, swapped, laterLegs))
	if err != nil {
		f.T.Fatalf("schedule swap: %v", err)
	}
	leg, err = f.Ledger.AppendTransfer(ctx, leg.ID)
	if err != nil {
		f.T.Fatalf("confirm swap: %v", err)
	}
	return leg
}

// Reload fetches the current row of t.
func (f *Fixture) Reload(t *models.Transfer) *models.Transfer {
	f.T.Helper()
	var fresh models.Transfer
	if err := f.DB.First(&fresh, "id = ?", t.ID).Error; err != nil {
		f.T.Fatalf("reload transfer %d: %v", t.ID, err)
	}
	return &fresh
}

// Available returns a wallet's availability in eon.
func (f *Fixture) Available(wallet models.Wallet, eon uint64, onlyAppended bool) types.Amount {
	f.T.Helper()
	amount, err := ledger.AvailableFundsAtEon(f.DB, wallet.ID, eon, onlyAppended)
	if err != nil {
		f.T.Fatalf("available funds: %v", err)
	}
	return amount
}
