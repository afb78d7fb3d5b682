// Package pipeline drives a document revision through extraction, chunking,
// embedding and the multi-store persist, one event at a time.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/cache"
	"github.com/aihub/docindex/internal/config"
	"github.com/aihub/docindex/internal/coordination"
	"github.com/aihub/docindex/internal/embedding"
	"github.com/aihub/docindex/internal/entities"
	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/eventbus"
	"github.com/aihub/docindex/internal/extraction"
	"github.com/aihub/docindex/internal/metrics"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/retry"
	"github.com/aihub/docindex/internal/store"
)

// Channels names the bus channels the coordinator publishes to.
type Channels struct {
	Record string
	Entity string
	Sync   string
}

// ChannelsFrom reads channel names from bus configuration.
func ChannelsFrom(cfg config.BusConfig) Channels {
	return Channels{Record: cfg.RecordChannel, Entity: cfg.EntityChannel, Sync: cfg.SyncChannel}
}

// Deps are the collaborators of a Coordinator. Blobs, Cache and QueryCache
// are optional. QueryCache is the retrieval result cache; its index
// generation is bumped on every change to the set of indexed revisions.
type Deps struct {
	Documents  store.DocumentStore
	Graph      store.GraphStore
	Vectors    store.VectorStore
	Blobs      store.BlobStore
	Extractor  *extraction.Extractor
	Embedder   embedding.Embedder
	Deriver    *entities.Deriver
	Leases     *coordination.Manager
	Publisher  eventbus.Publisher
	Cache      *cache.BestEffort
	QueryCache *cache.BestEffort
	Config     *config.Provider
	Channels   Channels
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Coordinator 索引协调器
type Coordinator struct {
	docs      store.DocumentStore
	graph     store.GraphStore
	vectors   store.VectorStore
	blobs     store.BlobStore
	extractor *extraction.Extractor
	embedder  embedding.Embedder
	deriver   *entities.Deriver
	leases    *coordination.Manager
	publisher eventbus.Publisher
	cache     *cache.BestEffort
	queries   *cache.BestEffort
	config    *config.Provider
	channels  Channels
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewCoordinator 创建索引协调器
func NewCoordinator(d Deps) *Coordinator {
	if d.Extractor == nil {
		d.Extractor = extraction.NewExtractor()
	}
	if d.Deriver == nil {
		d.Deriver = entities.NewDeriver(0)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Coordinator{
		docs:      d.Documents,
		graph:     d.Graph,
		vectors:   d.Vectors,
		blobs:     d.Blobs,
		extractor: d.Extractor,
		embedder:  d.Embedder,
		deriver:   d.Deriver,
		leases:    d.Leases,
		publisher: d.Publisher,
		cache:     d.Cache,
		queries:   d.QueryCache,
		config:    d.Config,
		channels:  d.Channels,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// Handle is the eventbus.Handler for the record channel. Undecodable
// payloads are rejected as permanent so the bus parks them.
func (c *Coordinator) Handle(ctx context.Context, msg *eventbus.Message) error {
	ev, err := models.ParseEvent(msg.Value)
	if err != nil {
		c.metrics.EventsConsumed.WithLabelValues(msg.Channel, "invalid", "rejected").Inc()
		return apperrors.NewPermanentFormatError("event", err)
	}

	switch ev.Type {
	case models.EventRecordCreated, models.EventRecordUpdated:
		err = c.Index(ctx, ev.DocumentID, ev.Revision)
	case models.EventRecordDeleted:
		err = c.Delete(ctx, ev.DocumentID, ev.Revision)
	default:
		c.logger.Debug("ignoring event", zap.String("type", string(ev.Type)), zap.String("document_id", ev.DocumentID))
		c.metrics.EventsConsumed.WithLabelValues(msg.Channel, string(ev.Type), "ignored").Inc()
		return nil
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.EventsConsumed.WithLabelValues(msg.Channel, string(ev.Type), status).Inc()
	return err
}

// Index brings revision of documentID to a terminal state. It returns nil
// once the revision is indexed, failed, unsupported or superseded, and an
// error only when the event should be redelivered.
func (c *Coordinator) Index(ctx context.Context, documentID string, revision int64) error {
	cfg := c.config.Pipeline()
	logger := c.logger.With(zap.String("document_id", documentID), zap.Int64("revision", revision))

	doc, err := c.docs.GetDocument(ctx, documentID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		logger.Warn("event for unknown document dropped")
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case doc.Revision > revision || doc.Status == models.DocumentStatusDeleted:
		return c.supersede(ctx, documentID, revision, nil)
	case doc.Revision < revision:
		return c.awaitRevision(ctx, doc, revision, logger)
	}

	lease, err := c.leases.Acquire(ctx, documentID, cfg.LeaseTTL)
	if err != nil {
		if apperrors.Classify(err) == apperrors.ErrCodeLeaseHeld {
			c.metrics.LeaseContention.Inc()
			logger.Debug("document leased by another worker")
		}
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lease.KeepAlive(runCtx)
	defer func() {
		releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelRelease()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Debug("lease release failed", zap.Error(err))
		}
	}()

	js, err := c.docs.GetJobState(runCtx, documentID, revision)
	if err != nil {
		return err
	}
	if js == nil {
		js = models.NewJobState(documentID, revision)
	}
	switch js.Status {
	case models.JobStatusIndexed, models.JobStatusSuperseded:
		logger.Debug("revision already terminal", zap.String("status", string(js.Status)))
		return nil
	case models.JobStatusFailed:
		if doc.Status != models.DocumentStatusPending {
			logger.Warn("revision failed earlier, not retrying",
				zap.String("error_class", js.ErrorClass), zap.String("last_error", js.LastError))
			return nil
		}
		// dead-lettered while the store still lagged; the revision has landed since
		logger.Info("revision stored after its event was dead-lettered, indexing")
		js = models.NewJobState(documentID, revision)
	}

	r := &run{c: c, cfg: cfg, doc: doc, state: js, lease: lease, logger: logger}
	for {
		if js.Attempts >= cfg.MaxAttempts {
			return c.fail(runCtx, r, apperrors.ErrorCode(js.ErrorClass), js.LastError)
		}

		err := r.execute(runCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		code := apperrors.Classify(err)
		switch {
		case code == apperrors.ErrCodeConsistencyConflict:
			return c.supersede(runCtx, documentID, revision, js)
		case code == apperrors.ErrCodeLeaseHeld:
			// lost ownership mid-run: the budget is untouched and the new owner resumes
			return err
		case !apperrors.IsRetryable(err):
			return c.fail(runCtx, r, code, err.Error())
		}

		js.Attempts++
		js.LastError = err.Error()
		js.ErrorClass = string(code)
		c.metrics.StageRetries.WithLabelValues(string(code)).Inc()
		if perr := c.docs.PutJobState(runCtx, js); perr != nil {
			return perr
		}
		logger.Warn("indexing attempt failed",
			zap.Int("attempt", js.Attempts),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.String("error_class", string(code)),
			zap.Error(err))
		if js.Attempts >= cfg.MaxAttempts {
			continue
		}
		if err := retry.Sleep(runCtx, retry.Backoff(js.Attempts, cfg.BaseBackoff, cfg.MaxBackoff)); err != nil {
			return err
		}
	}
}

// awaitRevision handles an event that outran the document store. It is
// retried like any transient failure and charged to the revision's budget;
// once the budget is spent the event is dead-lettered and committed. The
// document row belongs to an older revision and is left untouched.
func (c *Coordinator) awaitRevision(ctx context.Context, doc *models.Document, revision int64, logger *zap.Logger) error {
	cfg := c.config.Pipeline()
	cause := apperrors.NewTransientStoreError("document", apperrors.NewConsistencyConflict(doc.ID, revision, doc.Revision))

	js, err := c.docs.GetJobState(ctx, doc.ID, revision)
	if err != nil {
		return err
	}
	if js == nil {
		js = models.NewJobState(doc.ID, revision)
	}
	if js.Status != models.JobStatusRunning {
		return nil
	}

	js.Attempts++
	js.LastError = cause.Error()
	js.ErrorClass = string(apperrors.ErrCodeTransientStore)
	c.metrics.StageRetries.WithLabelValues(js.ErrorClass).Inc()
	if js.Attempts < cfg.MaxAttempts {
		if err := c.docs.PutJobState(ctx, js); err != nil {
			return err
		}
		logger.Warn("event ahead of stored revision",
			zap.Int64("stored_revision", doc.Revision),
			zap.Int("attempt", js.Attempts),
			zap.Int("max_attempts", cfg.MaxAttempts))
		return cause
	}

	if err := c.docs.PutDeadLetter(ctx, &models.DeadLetter{
		DocumentID: doc.ID,
		Revision:   revision,
		ErrorClass: js.ErrorClass,
		LastError:  js.LastError,
		Attempts:   js.Attempts,
	}); err != nil {
		return err
	}
	ev := models.NewEvent(models.EventIndexFailed, doc.ID, revision)
	ev.ErrorClass = js.ErrorClass
	ev.Reason = js.LastError
	if err := eventbus.PublishEvent(ctx, c.publisher, c.channels.Sync, ev); err != nil {
		return err
	}
	js.Status = models.JobStatusFailed
	if err := c.docs.PutJobState(ctx, js); err != nil {
		return err
	}
	c.metrics.DeadLetters.Inc()
	c.metrics.Outcomes.WithLabelValues(string(models.DocumentStatusFailed)).Inc()
	logger.Error("revision never reached the document store, event dead-lettered",
		zap.Int64("stored_revision", doc.Revision),
		zap.Int("attempts", js.Attempts))
	return nil
}

// indexChanged invalidates cached query results.
func (c *Coordinator) indexChanged(ctx context.Context) {
	c.queries.BumpGeneration(ctx, cache.IndexGenerationKey)
}
