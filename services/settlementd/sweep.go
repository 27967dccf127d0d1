package settlementd

import (
	"context"
	"errors"
	"sync"
	"time"

	"vaultdist/services/settlementd/storage"
)

// sweepLeaseKey is the store key for the sweep-wide lease. Per-vault
// leases use the vault id; the sweep itself holds this sentinel so at
// most one instance sweeps at a time.
const sweepLeaseKey = "sweep"

// Run executes the periodic settlement sweep until the context ends. The
// first sweep fires immediately.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.Sweep(ctx); err != nil {
			p.logger.Error("settlement sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep settles every vault with available claims. Vaults are processed
// concurrently; a sweep already running elsewhere is skipped, not an
// error. Per-vault failures are logged and do not stop the other vaults.
func (p *Processor) Sweep(ctx context.Context) error {
	token, err := p.store.AcquireLease(sweepLeaseKey, p.holder, p.leaseTTL)
	if errors.Is(err, storage.ErrLeaseHeld) {
		p.logger.Debug("sweep lease held elsewhere, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := p.store.ReleaseLease(sweepLeaseKey, token); err != nil {
			p.logger.Warn("release sweep lease", "error", err)
		}
	}()

	vaults, err := p.store.VaultsWithAvailableClaims()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, vaultID := range vaults {
		wg.Add(1)
		go func(vaultID string) {
			defer wg.Done()
			outcome, err := p.SettleVault(ctx, vaultID)
			switch {
			case errors.Is(err, storage.ErrLeaseHeld):
				p.logger.Debug("vault lease held elsewhere", "vault", vaultID)
			case err != nil:
				p.logger.Error("vault settlement failed", "vault", vaultID, "error", err)
			default:
				p.logger.Info("vault swept", "vault", vaultID,
					"batches", outcome.Batches, "claimed", outcome.Claimed,
					"recovered", outcome.Recovered, "failed", outcome.Failed, "skipped", outcome.Skipped)
			}
		}(vaultID)
	}
	wg.Wait()
	p.metrics.RecordSweep()
	return nil
}
