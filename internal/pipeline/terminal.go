package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/eventbus"
	"github.com/aihub/docindex/internal/models"
)

// supersede records that revision lost to a newer one. It is not an error.
func (c *Coordinator) supersede(ctx context.Context, documentID string, revision int64, js *models.JobState) error {
	if js == nil {
		var err error
		js, err = c.docs.GetJobState(ctx, documentID, revision)
		if err != nil {
			return err
		}
		if js == nil {
			js = models.NewJobState(documentID, revision)
		}
	}
	if js.Status == models.JobStatusSuperseded || js.Status == models.JobStatusIndexed {
		return nil
	}

	ev := models.NewEvent(models.EventIndexSuperseded, documentID, revision)
	if err := eventbus.PublishEvent(ctx, c.publisher, c.channels.Sync, ev); err != nil {
		return err
	}
	js.Status = models.JobStatusSuperseded
	if err := c.docs.PutJobState(ctx, js); err != nil {
		return err
	}
	c.metrics.Outcomes.WithLabelValues("superseded").Inc()
	c.logger.Info("revision superseded, run abandoned",
		zap.String("document_id", documentID), zap.Int64("revision", revision))
	return nil
}

// fail moves the revision to a terminal failure. Every write is idempotent
// so a redelivery after a partial failure repeats the sequence safely; the
// job state is written last and ends the retries.
func (c *Coordinator) fail(ctx context.Context, r *run, code apperrors.ErrorCode, message string) error {
	id, rev := r.doc.ID, r.doc.Revision
	status := models.DocumentStatusFailed
	if code == apperrors.ErrCodeUnsupportedFormat {
		status = models.DocumentStatusUnsupported
	}

	cur, err := c.docs.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case cur.Revision > rev || cur.Status == models.DocumentStatusDeleted:
		return c.supersede(ctx, id, rev, r.state)
	case cur.Revision == rev && cur.Status == models.DocumentStatusIndexed:
		// only the completion event was missing
		return c.indexedUnannounced(ctx, r, message)
	}

	// no vector or graph entry of a failed revision may remain
	if err := c.vectors.DeleteDocument(ctx, id, rev+1); err != nil {
		return err
	}
	if err := c.graph.DeleteDocument(ctx, id, rev+1); err != nil {
		return err
	}

	if status == models.DocumentStatusFailed {
		dl := &models.DeadLetter{
			DocumentID: id,
			Revision:   rev,
			ErrorClass: string(code),
			LastError:  message,
			Attempts:   r.state.Attempts,
		}
		if err := c.docs.PutDeadLetter(ctx, dl); err != nil {
			return err
		}
	}

	if err := c.docs.UpdateStatus(ctx, id, rev, status, message); err != nil {
		if apperrors.Classify(err) == apperrors.ErrCodeConsistencyConflict {
			return c.supersede(ctx, id, rev, r.state)
		}
		return err
	}
	c.indexChanged(ctx)

	ev := models.NewEvent(models.EventIndexFailed, id, rev)
	ev.ErrorClass = string(code)
	ev.Reason = message
	if err := eventbus.PublishEvent(ctx, c.publisher, c.channels.Sync, ev); err != nil {
		return err
	}

	r.state.Status = models.JobStatusFailed
	r.state.ErrorClass = string(code)
	r.state.LastError = message
	if err := c.docs.PutJobState(ctx, r.state); err != nil {
		return err
	}

	if status == models.DocumentStatusFailed {
		c.metrics.DeadLetters.Inc()
	}
	c.metrics.Outcomes.WithLabelValues(string(status)).Inc()
	r.logger.Error("document indexing failed",
		zap.String("status", string(status)),
		zap.String("error_class", string(code)),
		zap.Int("attempts", r.state.Attempts),
		zap.String("reason", message))
	return nil
}

// indexedUnannounced ends a run whose document reached indexed but whose
// completion event could not be published within the budget.
func (c *Coordinator) indexedUnannounced(ctx context.Context, r *run, message string) error {
	r.state.Status = models.JobStatusIndexed
	if err := c.docs.PutJobState(ctx, r.state); err != nil {
		return err
	}
	c.metrics.Outcomes.WithLabelValues(string(models.DocumentStatusIndexed)).Inc()
	r.logger.Warn("document indexed, completion event not published",
		zap.Int("attempts", r.state.Attempts),
		zap.String("reason", message))
	return nil
}

// Delete removes every artifact of documentID up to revision and marks the
// document deleted. A document resubmitted after the delete keeps its newer
// revision.
func (c *Coordinator) Delete(ctx context.Context, documentID string, revision int64) error {
	cfg := c.config.Pipeline()
	logger := c.logger.With(zap.String("document_id", documentID), zap.Int64("revision", revision))

	lease, err := c.leases.Acquire(ctx, documentID, cfg.LeaseTTL)
	if err != nil {
		if apperrors.Classify(err) == apperrors.ErrCodeLeaseHeld {
			c.metrics.LeaseContention.Inc()
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Debug("lease release failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, cfg.StageTimeout)
	defer cancel()

	doc, err := c.docs.GetDocument(ctx, documentID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	before := revision + 1
	if err := c.vectors.DeleteDocument(ctx, documentID, before); err != nil {
		return err
	}
	if err := c.graph.DeleteDocument(ctx, documentID, before); err != nil {
		return err
	}
	if err := c.docs.DeleteChunks(ctx, documentID, before); err != nil {
		return err
	}

	if doc == nil || doc.Revision > revision {
		logger.Info("stale revisions purged, document kept")
		return nil
	}
	if err := c.docs.UpdateStatus(ctx, documentID, revision, models.DocumentStatusDeleted, ""); err != nil {
		return err
	}
	c.indexChanged(ctx)
	if doc.ContentRef != "" && c.blobs != nil {
		if err := c.blobs.Delete(ctx, doc.ContentRef); err != nil {
			return err
		}
	}
	c.metrics.Outcomes.WithLabelValues(string(models.DocumentStatusDeleted)).Inc()
	logger.Info("document deleted")
	return nil
}

// Recover re-publishes documents left in progress by a crashed worker. A
// document whose lease is still held is skipped; its owner is alive.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	cfg := c.config.Pipeline()
	docs, err := c.docs.ListByStatus(ctx, []models.DocumentStatus{
		models.DocumentStatusPending,
		models.DocumentStatusExtracting,
		models.DocumentStatusChunking,
		models.DocumentStatusEmbedding,
	}, 0)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, doc := range docs {
		lease, err := c.leases.Acquire(ctx, doc.ID, cfg.LeaseTTL)
		if err != nil {
			if apperrors.Classify(err) == apperrors.ErrCodeLeaseHeld {
				continue
			}
			return recovered, err
		}
		if err := lease.Release(ctx); err != nil {
			c.logger.Debug("lease release failed", zap.String("document_id", doc.ID), zap.Error(err))
		}

		ev := models.NewEvent(models.EventRecordUpdated, doc.ID, doc.Revision)
		if err := eventbus.PublishEvent(ctx, c.publisher, c.channels.Record, ev); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("in-progress documents re-queued", zap.Int("count", recovered))
	}
	return recovered, nil
}
