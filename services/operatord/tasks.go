package operatord

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"commitchain/chain"
	"commitchain/core/eon"
	"commitchain/core/models"
	"commitchain/native/challenge"
	"commitchain/native/checkpoint"
	"commitchain/native/ledger"
	"commitchain/native/swap"
	"commitchain/native/withdrawal"
	"commitchain/services/notify"
)

// Components are the services the periodic tasks drive. Webhook is optional.
type Components struct {
	Ledger      *ledger.Ledger
	Sync        *chain.Synchronizer
	Swaps       *swap.Engine
	Checkpoints *checkpoint.Builder
	Challenges  *challenge.Engine
	Slasher     *withdrawal.Slasher
	Submitter   *chain.Submitter
	Webhook     *notify.Webhook
	Eon         eon.Config
}

func (c Components) validate() error {
	if c.Ledger == nil || c.Sync == nil || c.Swaps == nil || c.Checkpoints == nil ||
		c.Challenges == nil || c.Slasher == nil || c.Submitter == nil {
		return errors.New("operatord: incomplete components")
	}
	return c.Eon.Validate()
}

// RegisterTasks schedules the operator loop. specs maps task names onto cron
// expressions; a missing entry registers the task for manual runs only.
func RegisterTasks(s *Scheduler, c Components, specs map[string]string) error {
	if err := c.validate(); err != nil {
		return err
	}
	tasks := []struct {
		name string
		fn   TaskFunc
	}{
		{"sync", func(ctx context.Context) error {
			_, err := c.Sync.Sync(ctx)
			return err
		}},
		{"confirm", c.withEon(func(ctx context.Context, n uint64) error {
			_, err := c.Swaps.Confirm(ctx, n)
			return err
		})},
		{"match", c.withEon(func(ctx context.Context, n uint64) error {
			_, err := c.Swaps.Match(ctx, n)
			return err
		})},
		{"settle", c.withEon(func(ctx context.Context, n uint64) error {
			_, err := c.Swaps.Settle(ctx, n)
			return err
		})},
		{"checkpoint", c.withEon(c.checkpoint)},
		{"challenges", func(ctx context.Context) error {
			_, err := c.Challenges.Respond(ctx)
			return err
		}},
		{"slashing", func(ctx context.Context) error {
			_, err := c.Slasher.SlashBadWithdrawals(ctx)
			return err
		}},
		{"submit", func(ctx context.Context) error {
			_, err := c.Submitter.Flush(ctx)
			return err
		}},
	}
	if c.Webhook != nil {
		tasks = append(tasks, struct {
			name string
			fn   TaskFunc
		}{"notify", func(ctx context.Context) error {
			_, err := c.Webhook.Flush(ctx)
			return err
		}})
	}
	for _, t := range tasks {
		if err := s.Register(t.name, specs[t.name], t.fn); err != nil {
			return err
		}
	}
	return nil
}

func (c Components) withEon(fn func(ctx context.Context, n uint64) error) TaskFunc {
	return func(ctx context.Context) error {
		n, err := c.Ledger.CurrentEon(ctx)
		if err != nil {
			return fmt.Errorf("current eon: %w", err)
		}
		return fn(ctx, n)
	}
}

// checkpoint commits eon n once the closing snapshot of eon n-1 is synced.
func (c Components) checkpoint(ctx context.Context, n uint64) error {
	if n > 1 {
		ready, err := ClosedEon(c.Ledger.DB().WithContext(ctx), c.Eon, n-1)
		if err != nil {
			return err
		}
		if !ready {
			return nil
		}
	}
	_, err := c.Checkpoints.CreateCheckpointForEon(ctx, n)
	return err
}

// ClosedEon reports whether the contract state at the last sub-block of eon
// number has been synchronised.
func ClosedEon(db *gorm.DB, layout eon.Config, number uint64) (bool, error) {
	var n int64
	err := db.Model(&models.ContractState{}).
		Where("eon_number = ? AND sub_block = ?", number, layout.LastSubBlock()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("contract state of eon %d: %w", number, err)
	}
	return n > 0, nil
}
