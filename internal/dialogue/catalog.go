package dialogue

import (
	"errors"

	"github.com/ashureev/salesbot/internal/catalog"
	"github.com/ashureev/salesbot/internal/domain"
	"github.com/ashureev/salesbot/internal/flow"
)

// showCatalog sends the summary followed by one batch of the tier's images.
// When the tier holds more, the session waits for a "see more" answer.
func (e *Engine) showCatalog(sess *domain.Session, summary string, tier flow.Tier, out *outbox) {
	cat := e.flow.Catalog
	batch, err := e.media.Resolve(tier.Dir, cat.PageSize)
	if err != nil {
		if !errors.Is(err, catalog.ErrNoMedia) {
			e.logger.Warn("Catalog unavailable", "jid", sess.JID, "tier", tier.Dir, "error", err)
		}
		out.text(summary)
		out.text(flow.Expand(cat.Fallback, tier))
		sess.Complete()
		e.metrics.Completed("catalog_fallback")
		return
	}

	out.text(summary)
	out.text(flow.Expand(cat.Header, tier))
	for _, item := range batch.Items {
		out.image(item)
	}

	if batch.HasMore {
		out.text(flow.Expand(cat.MorePrompt, tier))
		sess.WaitingForCatalog = true
		sess.CatalogTier = sess.Answers[cat.TierField]
		e.arm(*sess)
		e.logger.Info("Catalog shown, offering more", "jid", sess.JID, "tier", tier.Dir, "shown", len(batch.Items), "total", batch.Total)
		return
	}

	out.text(cat.Closing)
	sess.Complete()
	e.metrics.Completed("catalog")
	e.logger.Info("Catalog shown", "jid", sess.JID, "tier", tier.Dir, "shown", len(batch.Items))
}

// catalogReply answers the "see more" offer.
func (e *Engine) catalogReply(sess *domain.Session, text string, out *outbox) {
	e.timers.Cancel(sess.JID)
	cat := e.flow.Catalog
	if e.flow.IsAffirmative(text) {
		out.text(flow.Expand(cat.FollowUp, cat.Tiers[sess.CatalogTier]))
		e.metrics.Completed("catalog_more")
	} else {
		out.text(cat.Closing)
		e.metrics.Completed("catalog")
	}
	sess.Complete()
}
