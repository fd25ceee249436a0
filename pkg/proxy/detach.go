package proxy

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Luzifer/deepsrt-proxy/pkg/cache"
)

// detach runs fn in the background, outliving the request ctx was
// taken from. Its outcome is not reported back; Wait blocks until it
// has finished.
func (p *Proxy) detach(ctx context.Context, fn func(context.Context)) {
	p.tasks.Add(1)

	go func() {
		defer p.tasks.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logrus.WithField("panic", rec).Error("detached task panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StoreTimeout)
		defer cancel()

		fn(ctx)
	}()
}

// storeDetached puts entry into c without blocking the response.
// Failures are logged only.
func (p *Proxy) storeDetached(ctx context.Context, c cache.Cache, cacheKey string, entry *cache.Entry, logger *logrus.Entry) {
	p.detach(ctx, func(ctx context.Context) {
		if err := c.Put(ctx, cacheKey, entry); err != nil {
			logger.WithError(err).Error("Cache put error")
			return
		}
		logger.Debug("Stored response in cache")
	})
}
