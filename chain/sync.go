package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"commitchain/core/eon"
	"commitchain/core/models"
	"commitchain/storage/locks"
)

// SyncClass serialises contract-state synchronisation.
const SyncClass = "contract-state"

const (
	hubCursor       = "hub"
	defaultMaxRange = 2000
)

// SyncConfig wires a Synchronizer.
type SyncConfig struct {
	Client     Client
	DB         *gorm.DB
	Locks      *locks.Manager
	Dispatcher Dispatcher
	Eon        eon.Config
	MaxRange   uint64
	Logger     *slog.Logger
}

// Synchronizer follows confirmed hub blocks: it dispatches their events and
// snapshots the contract state at the last sub-block of every eon.
type Synchronizer struct {
	client     Client
	db         *gorm.DB
	locks      *locks.Manager
	dispatcher Dispatcher
	eon        eon.Config
	maxRange   uint64
	logger     *slog.Logger
}

// NewSynchronizer validates cfg and builds a synchronizer.
func NewSynchronizer(cfg SyncConfig) (*Synchronizer, error) {
	if cfg.Client == nil || cfg.DB == nil || cfg.Locks == nil {
		return nil, ErrNotConfigured
	}
	if err := cfg.Eon.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = defaultMaxRange
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		client:     cfg.Client,
		db:         cfg.DB,
		locks:      cfg.Locks,
		dispatcher: cfg.Dispatcher,
		eon:        cfg.Eon,
		maxRange:   cfg.MaxRange,
		logger:     logger.With(slog.String("component", "sync")),
	}, nil
}

// Sync processes every confirmed block past the cursor and returns the last
// block processed. A run already in progress elsewhere makes it a no-op.
func (s *Synchronizer) Sync(ctx context.Context) (uint64, error) {
	var last uint64
	_, err := s.locks.TryClass(ctx, SyncClass, func(ctx context.Context) error {
		var err error
		last, err = s.run(ctx)
		return err
	})
	return last, err
}

func (s *Synchronizer) cursor(ctx context.Context) (uint64, bool, error) {
	var c models.SyncCursor
	err := s.db.WithContext(ctx).Where("name = ?", hubCursor).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return c.Block, true, nil
}

// CurrentEon is the eon of the first block not yet synchronised. Ledger
// operations target it.
func (s *Synchronizer) CurrentEon(ctx context.Context) (uint64, error) {
	done, started, err := s.cursor(ctx)
	if err != nil {
		return 0, err
	}
	if !started {
		return s.eon.Number(s.eon.GenesisBlock)
	}
	return s.eon.Number(done + 1)
}

func (s *Synchronizer) eonEnd(block uint64) (uint64, error) {
	n, err := s.eon.Number(block)
	if err != nil {
		return 0, err
	}
	return s.eon.StartBlock(n) + s.eon.BlocksPerEon - 1, nil
}

func (s *Synchronizer) run(ctx context.Context) (uint64, error) {
	head, err := s.client.CurrentBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("current block: %w", err)
	}
	if head < s.eon.GenesisBlock+s.eon.ConfirmationBlocks {
		return 0, nil
	}
	confirmed := head - s.eon.ConfirmationBlocks
	done, started, err := s.cursor(ctx)
	if err != nil {
		return 0, err
	}
	from := s.eon.GenesisBlock
	if started {
		from = done + 1
	}
	for from <= confirmed {
		to := from + s.maxRange - 1
		if to > confirmed {
			to = confirmed
		}
		end, err := s.eonEnd(from)
		if err != nil {
			return done, err
		}
		if to > end {
			to = end
		}
		if err := s.processRange(ctx, from, to, to == end); err != nil {
			return done, err
		}
		done = to
		from = to + 1
	}
	return done, nil
}

func (s *Synchronizer) processRange(ctx context.Context, from, to uint64, closesEon bool) error {
	logs, err := s.client.Logs(ctx, from, to)
	if err != nil {
		return fmt.Errorf("logs %d-%d: %w", from, to, err)
	}
	var snap *Snapshot
	var tokens []models.Token
	if closesEon {
		if err := s.db.WithContext(ctx).Order("trail").Find(&tokens).Error; err != nil {
			return err
		}
		addrs := make([]common.Address, len(tokens))
		for i, t := range tokens {
			addrs[i] = t.Addr()
		}
		got, err := s.client.Snapshot(ctx, to, addrs)
		if err != nil {
			return fmt.Errorf("snapshot at %d: %w", to, err)
		}
		snap = &got
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		handled := 0
		for _, log := range logs {
			ok, err := s.dispatcher.Dispatch(ctx, tx, log)
			if err != nil {
				return err
			}
			if ok {
				handled++
			} else {
				s.logger.Debug("event without handler", "event", log.Name, "block", log.Block)
			}
		}
		if snap != nil {
			if err := s.storeSnapshot(tx, *snap, tokens); err != nil {
				return err
			}
		}
		cursor := models.SyncCursor{Name: hubCursor, Block: to}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cursor).Error; err != nil {
			return err
		}
		if handled > 0 || snap != nil {
			s.logger.Info("contract state synchronised", "from", from, "to", to, "events", handled, "snapshot", snap != nil)
		}
		return nil
	})
}

func (s *Synchronizer) storeSnapshot(tx *gorm.DB, snap Snapshot, tokens []models.Token) error {
	number, err := s.eon.Number(snap.Block)
	if err != nil {
		return err
	}
	sub, err := s.eon.SubBlock(snap.Block)
	if err != nil {
		return err
	}
	state := models.ContractState{
		EonNumber: number,
		SubBlock:  sub,
		Block:     snap.Block,
		Basis:     snap.Basis.Hex(),
		Confirmed: true,
	}
	res := tx.Where("block = ?", snap.Block).Limit(1).Find(&models.ContractState{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := tx.Create(&state).Error; err != nil {
		return err
	}
	for _, token := range tokens {
		row := models.TokenContractState{
			ContractStateID: state.ID,
			TokenID:         token.ID,
			ManagedFunds:    snap.ManagedFunds[token.Addr()],
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}
