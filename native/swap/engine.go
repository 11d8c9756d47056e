// Package swap matches open swap legs with price-time priority.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	cerrors "commitchain/core/errors"
	"commitchain/core/events"
	"commitchain/core/models"
	"commitchain/core/types"
	"commitchain/native/ledger"
	"commitchain/observability"
	"commitchain/storage/locks"
)

// MatchingClass serialises matching runs.
const MatchingClass = "swap-matching"

var errNilLedger = errors.New("swap: ledger not configured")

// Engine runs the continuous matching of swap legs.
type Engine struct {
	ledger *ledger.Ledger
	db     *gorm.DB
	locks  *locks.Manager
	logger *slog.Logger
}

// NewEngine wires the engine to the ledger it mutates.
func NewEngine(l *ledger.Ledger) (*Engine, error) {
	if l == nil {
		return nil, errNilLedger
	}
	return &Engine{
		ledger: l,
		db:     l.DB(),
		locks:  l.Locks(),
		logger: l.Logger().With(slog.String("component", "swap")),
	}, nil
}

// order is an open leg with its remaining capacity across all eons.
type order struct {
	leg     *models.Transfer
	sell    uint64
	buy     uint64
	restOut types.Amount
	restIn  types.Amount
	out     types.Amount
	in      types.Amount
}

func (o *order) amount() types.Amount  { return o.leg.Amount }
func (o *order) swapped() types.Amount { return o.leg.AmountSwapped.Amount }

type pair struct{ low, high uint64 }

func pairOf(a, b uint64) pair {
	if a > b {
		a, b = b, a
	}
	return pair{low: a, high: b}
}

// Result summarises a matching run.
type Result struct {
	Matchings int
	Completed int
}

// Match runs one matching pass for eon. Open legs first receive their book
// sequence, then each leg past the pair's watermark is matched against the
// opposite legs sequenced before it.
func (e *Engine) Match(ctx context.Context, eon uint64) (Result, error) {
	var total Result
	ok, err := e.locks.TryClass(ctx, MatchingClass, func(ctx context.Context) error {
		return e.locks.WithRead(ctx, locks.EonLockName(eon), func(ctx context.Context) error {
			if err := e.sequence(ctx, eon); err != nil {
				return fmt.Errorf("sequence book: %w", err)
			}
			pairs, err := e.openPairs(ctx, eon)
			if err != nil {
				return err
			}
			for _, p := range pairs {
				res, err := e.matchPair(ctx, eon, p)
				if err != nil {
					return fmt.Errorf("match pair %d/%d: %w", p.low, p.high, err)
				}
				total.Matchings += res.Matchings
				total.Completed += res.Completed
			}
			return nil
		})
	})
	if err != nil {
		return total, err
	}
	if !ok {
		e.logger.Debug("matching already running", slog.Uint64("eon", eon))
	}
	return total, nil
}

func openLegs(tx *gorm.DB, eon uint64) *gorm.DB {
	return tx.Where("eon_number = ? AND swap = ? AND appended = ? AND voided = ? AND processed = ? AND complete = ? AND swap_freezing_signature_id IS NULL",
		eon, true, true, false, false, false)
}

// sequence numbers the open legs of eon that have none, in time order. Legs
// committed after an earlier run land behind everything already sequenced,
// whatever their time stamp.
func (e *Engine) sequence(ctx context.Context, eon uint64) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fresh []*models.Transfer
		err := openLegs(tx.Clauses(clause.Locking{Strength: "UPDATE"}), eon).
			Where("book_sequence IS NULL").Order("time, id").Find(&fresh).Error
		if err != nil || len(fresh) == 0 {
			return err
		}
		var last uint64
		if err := tx.Model(&models.Transfer{}).Select("COALESCE(MAX(book_sequence), 0)").Scan(&last).Error; err != nil {
			return err
		}
		for _, leg := range fresh {
			last++
			if err := tx.Model(&models.Transfer{}).Where("id = ?", leg.ID).Update("book_sequence", last).Error; err != nil {
				return fmt.Errorf("sequence leg %d: %w", leg.ID, err)
			}
		}
		return nil
	})
}

func seqOf(leg *models.Transfer) uint64 {
	if leg.BookSequence == nil {
		return 0
	}
	return *leg.BookSequence
}

func (e *Engine) openPairs(ctx context.Context, eon uint64) ([]pair, error) {
	var legs []models.Transfer
	if err := openLegs(e.db.WithContext(ctx), eon).Find(&legs).Error; err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(legs)*2)
	for _, leg := range legs {
		ids = append(ids, leg.WalletID, leg.RecipientID)
	}
	wallets, err := ledger.LoadWallets(e.db.WithContext(ctx), uniq(ids)...)
	if err != nil {
		return nil, err
	}
	seen := map[pair]bool{}
	var pairs []pair
	for _, leg := range legs {
		p := pairOf(wallets[leg.WalletID].TokenID, wallets[leg.RecipientID].TokenID)
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].low != pairs[j].low {
			return pairs[i].low < pairs[j].low
		}
		return pairs[i].high < pairs[j].high
	})
	return pairs, nil
}

func uniq(ids []uint64) []uint64 {
	seen := make(map[uint64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) matchPair(ctx context.Context, eon uint64, p pair) (Result, error) {
	var res Result
	var completed []*models.Transfer
	var touched []*models.Transfer
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cursor, err := loadCursor(tx, p)
		if err != nil {
			return err
		}
		book, err := loadBook(tx, eon, p)
		if err != nil {
			return err
		}
		for _, incoming := range book {
			if seqOf(incoming.leg) <= cursor.LastSequence {
				continue
			}
			if incoming.restOut.IsZero() {
				cursor.advance(incoming.leg)
				continue
			}
			for _, resting := range candidates(book, incoming) {
				if incoming.restOut.IsZero() {
					break
				}
				if !Crosses(incoming.amount(), incoming.swapped(), resting.amount(), resting.swapped()) {
					break
				}
				out, in, ok := fill(incoming, resting)
				if !ok {
					continue
				}
				m := &models.Matching{
					EonNumber:      eon,
					MakerTxID:      resting.leg.TxID,
					TakerTxID:      incoming.leg.TxID,
					MakerTokenID:   resting.sell,
					TakerTokenID:   incoming.sell,
					MakerAmountOut: out,
					TakerAmountOut: in,
				}
				if err := tx.Create(m).Error; err != nil {
					return fmt.Errorf("store matching: %w", err)
				}
				res.Matchings++
				resting.apply(out, in)
				incoming.apply(in, out)
				touched = append(touched, resting.leg, incoming.leg)
				if resting.restOut.IsZero() {
					if err := e.ledger.SignFulfillment(tx, resting.leg); err != nil {
						return err
					}
					completed = append(completed, resting.leg)
				}
			}
			if incoming.restOut.IsZero() && !incoming.leg.Complete {
				if err := e.ledger.SignFulfillment(tx, incoming.leg); err != nil {
					return err
				}
				completed = append(completed, incoming.leg)
			}
			cursor.advance(incoming.leg)
		}
		return tx.Save(cursor.MatchingCursor).Error
	})
	if err != nil {
		return Result{}, err
	}
	res.Completed = len(completed)
	for _, leg := range dedupeLegs(touched) {
		e.ledger.EmitSwap(events.TypeSwapMatched, leg)
	}
	for _, leg := range completed {
		e.ledger.EmitSwap(events.TypeSwapCompleted, leg)
	}
	observability.Ledger().RecordMatchings(res.Matchings)
	if res.Matchings > 0 {
		e.logger.Info("swaps matched",
			slog.Uint64("eon", eon), slog.Uint64("tokenLow", p.low), slog.Uint64("tokenHigh", p.high),
			slog.Int("matchings", res.Matchings), slog.Int("completed", res.Completed))
	}
	return res, nil
}

func dedupeLegs(legs []*models.Transfer) []*models.Transfer {
	seen := map[uint64]bool{}
	var out []*models.Transfer
	for _, leg := range legs {
		if !seen[leg.ID] {
			seen[leg.ID] = true
			out = append(out, leg)
		}
	}
	return out
}

func (o *order) apply(out, in types.Amount) {
	o.restOut = o.restOut.Sub(out)
	o.restIn = o.restIn.Sub(in)
	if o.restIn.Sign() < 0 {
		o.restIn = types.Amount{}
	}
	o.out = o.out.Add(out)
	o.in = o.in.Add(in)
}

type watermark struct{ *models.MatchingCursor }

func (c watermark) advance(leg *models.Transfer) {
	c.LastSequence = seqOf(leg)
	c.LastUnprocessedSwapTime = leg.Time
}

func loadCursor(tx *gorm.DB, p pair) (watermark, error) {
	row := &models.MatchingCursor{LowTokenID: p.low, HighTokenID: p.high}
	err := tx.Where("low_token_id = ? AND high_token_id = ?", p.low, p.high).
		Attrs(models.MatchingCursor{LastUnprocessedSwapTime: time.Unix(0, 0).UTC()}).
		FirstOrCreate(row).Error
	if err != nil {
		return watermark{}, fmt.Errorf("matching cursor: %w", err)
	}
	return watermark{row}, nil
}

// loadBook locks the sequenced open legs of a pair in book order.
func loadBook(tx *gorm.DB, eon uint64, p pair) ([]*order, error) {
	var legs []*models.Transfer
	err := openLegs(tx.Clauses(clause.Locking{Strength: "UPDATE"}), eon).
		Where("book_sequence IS NOT NULL").Order("book_sequence").Find(&legs).Error
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(legs)*2)
	txIDs := make([]string, 0, len(legs))
	for _, leg := range legs {
		ids = append(ids, leg.WalletID, leg.RecipientID)
		txIDs = append(txIDs, leg.TxID)
	}
	wallets, err := ledger.LoadWallets(tx, uniq(ids)...)
	if err != nil {
		return nil, err
	}
	fills, err := ledger.LoadFills(tx, txIDs...)
	if err != nil {
		return nil, err
	}
	var book []*order
	for _, leg := range legs {
		sell, buy := wallets[leg.WalletID].TokenID, wallets[leg.RecipientID].TokenID
		if pairOf(sell, buy) != p {
			continue
		}
		fill := fills.Of(leg.TxID)
		restOut, restIn := ledger.Remaining(leg, fill)
		book = append(book, &order{
			leg:     leg,
			sell:    sell,
			buy:     buy,
			restOut: restOut,
			restIn:  restIn,
			out:     fill.TotalOut(),
			in:      fill.TotalIn(),
		})
	}
	return book, nil
}

// candidates returns the opposite orders sequenced before incoming, best price
// for incoming first. Ties keep book order.
func candidates(book []*order, incoming *order) []*order {
	var out []*order
	for _, o := range book {
		if o == incoming || o.sell != incoming.buy || o.buy != incoming.sell {
			continue
		}
		if seqOf(o.leg) >= seqOf(incoming.leg) || o.restOut.IsZero() {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return BetterOffer(out[i].amount(), out[i].swapped(), out[j].amount(), out[j].swapped())
	})
	return out
}

// Confirm countersigns the swap legs of eon that carry both client states.
// Legs failing validation are left for the owner to void.
func (e *Engine) Confirm(ctx context.Context, eon uint64) (int, error) {
	var ids []uint64
	err := e.db.WithContext(ctx).Model(&models.Transfer{}).
		Where("eon_number = ? AND swap = ? AND appended = ? AND voided = ? AND sender_active_state_id IS NOT NULL AND recipient_active_state_id IS NOT NULL",
			eon, true, false, false).
		Order("time, id").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("list scheduled swaps: %w", err)
	}
	confirmed := 0
	for _, id := range ids {
		if _, err := e.ledger.AppendTransfer(ctx, id); err != nil {
			if cerrors.IsValidation(err) {
				e.logger.Warn("swap not confirmed", slog.Uint64("transfer", id), slog.Any("error", err))
				continue
			}
			return confirmed, err
		}
		confirmed++
	}
	return confirmed, nil
}
