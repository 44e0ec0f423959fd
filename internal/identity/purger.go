package identity

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"roomchat/internal/repositories"
)

// StartPurger removes expired revocations every interval until ctx is done.
func StartPurger(ctx context.Context, revoked repositories.RevocationRepository, interval time.Duration) {
	if revoked == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := revoked.PurgeExpired(ctx, now)
				if err != nil {
					log.Warn().Err(err).Msg("revocation purge failed")
					continue
				}
				if n > 0 {
					log.Debug().Int64("purged", n).Msg("expired revocations removed")
				}
			}
		}
	}()
}
