package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/chunking"
	"github.com/aihub/docindex/internal/config"
	"github.com/aihub/docindex/internal/coordination"
	"github.com/aihub/docindex/internal/embedding"
	"github.com/aihub/docindex/internal/entities"
	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/eventbus"
	"github.com/aihub/docindex/internal/models"
)

// run is one attempt at one revision. Stage outputs are persisted as they
// complete so a later attempt resumes after the last finished stage.
type run struct {
	c      *Coordinator
	cfg    config.PipelineConfig
	doc    *models.Document
	state  *models.JobState
	lease  *coordination.Lease
	logger *zap.Logger

	text      string
	structure models.Structure
	haveText  bool
}

func (r *run) execute(ctx context.Context) error {
	steps := []struct {
		name  string
		done  models.Stage
		apply func(context.Context) error
	}{
		{"extract", models.StageExtracted, r.extract},
		{"chunk", models.StageChunked, r.chunk},
		{"embed", models.StageEmbedded, r.embed},
		{"persist", models.StagePersisted, r.persist},
	}
	for _, s := range steps {
		if r.state.LastStage.Reached(s.done) {
			continue
		}
		if err := r.stage(ctx, s.name, s.apply); err != nil {
			return err
		}
	}
	return r.stage(ctx, "finalize", r.finalize)
}

func (r *run) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	err := fn(stageCtx)
	status := "ok"
	if err != nil {
		status = string(apperrors.Classify(err))
	}
	r.c.metrics.StageDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
	return err
}

// checkpoint verifies that this worker still owns the document and that the
// revision is still current. It runs before every store write.
func (r *run) checkpoint(ctx context.Context) error {
	if err := r.lease.Err(); err != nil {
		return err
	}
	cur, err := r.c.docs.GetDocument(ctx, r.doc.ID)
	if err != nil {
		return err
	}
	switch {
	case cur.Revision > r.doc.Revision || cur.Status == models.DocumentStatusDeleted:
		return apperrors.NewConsistencyConflict(r.doc.ID, r.doc.Revision, cur.Revision)
	case cur.Revision < r.doc.Revision:
		return apperrors.NewTransientStoreError("document", apperrors.NewConsistencyConflict(r.doc.ID, r.doc.Revision, cur.Revision))
	}
	return nil
}

func (r *run) setStatus(ctx context.Context, status models.DocumentStatus) error {
	if err := r.lease.Err(); err != nil {
		return err
	}
	return r.c.docs.UpdateStatus(ctx, r.doc.ID, r.doc.Revision, status, "")
}

func (r *run) reached(ctx context.Context, stage models.Stage) error {
	r.state.LastStage = stage
	return r.c.docs.PutJobState(ctx, r.state)
}

func (r *run) loadContent(ctx context.Context) ([]byte, error) {
	if r.doc.ContentRef == "" {
		return []byte(r.doc.Content), nil
	}
	if r.c.blobs == nil {
		return nil, apperrors.NewConfigurationError("document %s references blob %s but no blob store is configured", r.doc.ID, r.doc.ContentRef)
	}
	return r.c.blobs.Get(ctx, r.doc.ContentRef)
}

func (r *run) formatHint() string {
	for _, hint := range []string{r.doc.Format, r.doc.ContentRef, r.doc.SourceRef} {
		if hint != "" {
			return hint
		}
	}
	return "txt"
}

func (r *run) extract(ctx context.Context) error {
	if err := r.setStatus(ctx, models.DocumentStatusExtracting); err != nil {
		return err
	}
	raw, err := r.loadContent(ctx)
	if err != nil {
		return err
	}
	res, err := r.c.extractor.Extract(ctx, raw, r.formatHint())
	if err != nil {
		return err
	}

	if err := r.lease.Err(); err != nil {
		return err
	}
	// SaveExtraction is revision guarded and doubles as the staleness check
	if err := r.c.docs.SaveExtraction(ctx, r.doc.ID, r.doc.Revision, res.Text, res.Structure); err != nil {
		return err
	}
	r.text, r.structure, r.haveText = res.Text, res.Structure, true
	r.state.Fingerprint = fingerprint(res.Text)
	return r.reached(ctx, models.StageExtracted)
}

func (r *run) chunk(ctx context.Context) error {
	if !r.haveText {
		doc, err := r.c.docs.GetDocument(ctx, r.doc.ID)
		if err != nil {
			return err
		}
		r.text, r.structure, r.haveText = doc.NormalizedText, doc.Structure, true
	}
	if err := r.setStatus(ctx, models.DocumentStatusChunking); err != nil {
		return err
	}
	chunks, err := chunking.Split(r.doc.ID, r.doc.Revision, r.text, r.structure, chunking.OptionsFrom(r.cfg))
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		r.logger.Info("document has no text, indexing without chunks")
		return r.reached(ctx, models.StagePersisted)
	}

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	if err := r.c.docs.PutChunks(ctx, chunks); err != nil {
		return err
	}
	return r.reached(ctx, models.StageChunked)
}

func (r *run) modelVersion() (string, error) {
	version := r.c.embedder.ModelVersion()
	if want := r.cfg.EmbeddingModelVersion; want != "" && want != version {
		return "", apperrors.NewConfigurationError("embedder produces model version %q, pipeline expects %q", version, want)
	}
	return version, nil
}

func (r *run) embed(ctx context.Context) error {
	version, err := r.modelVersion()
	if err != nil {
		return err
	}
	if err := r.setStatus(ctx, models.DocumentStatusEmbedding); err != nil {
		return err
	}
	chunks, err := r.c.docs.GetChunks(ctx, r.doc.ID, r.doc.Revision)
	if err != nil {
		return err
	}

	vectors := make([][]float32, len(chunks))
	var missing []int
	for i, ch := range chunks {
		var v []float32
		if r.c.cache.GetJSON(ctx, embeddingCacheKey(version, ch.Text), &v) && len(v) == r.c.embedder.Dimensions() {
			vectors[i] = v
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = chunks[i].Text
		}
		fresh, err := r.c.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if err := embedding.CheckVectors(len(texts), fresh, r.c.embedder.Dimensions()); err != nil {
			return err
		}
		ttl := r.c.config.Config().Cache.TTL
		for j, i := range missing {
			vectors[i] = fresh[j]
			r.c.cache.SetJSON(ctx, embeddingCacheKey(version, texts[j]), fresh[j], ttl)
		}
	}
	r.logger.Debug("chunks embedded", zap.Int("chunks", len(chunks)), zap.Int("cached", len(chunks)-len(missing)))

	rows := make([]models.Embedding, len(chunks))
	for i, ch := range chunks {
		rows[i] = models.Embedding{ChunkID: ch.ID, ModelVersion: version, Vector: vectors[i]}
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	if err := r.c.docs.PutEmbeddings(ctx, rows); err != nil {
		return err
	}
	return r.reached(ctx, models.StageEmbedded)
}

func (r *run) persist(ctx context.Context) error {
	version, err := r.modelVersion()
	if err != nil {
		return err
	}
	chunks, err := r.c.docs.GetChunks(ctx, r.doc.ID, r.doc.Revision)
	if err != nil {
		return err
	}
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}
	vectors, err := r.c.docs.GetEmbeddings(ctx, ids, version)
	if err != nil {
		return err
	}

	records := make([]models.IndexRecord, 0, len(chunks))
	for _, ch := range chunks {
		v, ok := vectors[ch.ID]
		if !ok {
			// embeddings vanished (model switch or manual cleanup): embed again
			r.state.LastStage = models.StageChunked
			if err := r.c.docs.PutJobState(ctx, r.state); err != nil {
				return err
			}
			return apperrors.NewEmbeddingBackendError("embedding missing for chunk "+ch.ID, nil)
		}
		records = append(records, models.IndexRecord{
			ChunkID:      ch.ID,
			DocumentID:   ch.DocumentID,
			Revision:     ch.Revision,
			Ordinal:      ch.Ordinal,
			Text:         ch.Text,
			Vector:       v,
			ModelVersion: version,
			Metadata:     recordMetadata(r.doc, ch),
		})
	}
	r.c.deriver.Annotate(records)

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	if err := r.c.vectors.Upsert(ctx, records); err != nil {
		return err
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	if err := r.c.graph.UpsertRecords(ctx, records); err != nil {
		return err
	}

	if found := entities.Collect(records); len(found) > 0 && r.c.channels.Entity != "" {
		ev := models.NewEvent(models.EventEntitiesDerived, r.doc.ID, r.doc.Revision)
		ev.Entities = found
		if err := eventbus.PublishEvent(ctx, r.c.publisher, r.c.channels.Entity, ev); err != nil {
			return err
		}
	}
	return r.reached(ctx, models.StagePersisted)
}

// finalize purges older revisions, then flips the document to indexed and
// records the job as done before announcing it. A failed announcement is
// retried by running finalize again; every step before it is idempotent.
func (r *run) finalize(ctx context.Context) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	id, rev := r.doc.ID, r.doc.Revision
	if err := r.c.vectors.DeleteDocument(ctx, id, rev); err != nil {
		return err
	}
	if err := r.c.graph.DeleteDocument(ctx, id, rev); err != nil {
		return err
	}
	if err := r.c.docs.DeleteChunks(ctx, id, rev); err != nil {
		return err
	}
	if err := r.setStatus(ctx, models.DocumentStatusIndexed); err != nil {
		return err
	}
	r.c.indexChanged(ctx)

	r.state.Status = models.JobStatusIndexed
	r.state.LastError = ""
	r.state.ErrorClass = ""
	if err := r.c.docs.PutJobState(ctx, r.state); err != nil {
		return err
	}
	if err := eventbus.PublishEvent(ctx, r.c.publisher, r.c.channels.Sync, models.NewEvent(models.EventIndexCompleted, id, rev)); err != nil {
		return err
	}
	r.c.metrics.Outcomes.WithLabelValues(string(models.DocumentStatusIndexed)).Inc()
	r.logger.Info("document indexed", zap.Int("attempts", r.state.Attempts+1))
	return nil
}

func recordMetadata(doc *models.Document, ch models.Chunk) map[string]string {
	meta := make(map[string]string, len(doc.Metadata)+7)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	meta[models.MetaOrdinal] = strconv.Itoa(ch.Ordinal)
	meta[models.MetaRevision] = strconv.FormatInt(ch.Revision, 10)
	if doc.SourceRef != "" {
		meta[models.MetaSource] = doc.SourceRef
	}
	if doc.Format != "" {
		meta[models.MetaFormat] = doc.Format
	}
	if doc.Title != "" {
		meta[models.MetaTitle] = doc.Title
	}
	if ch.Section != "" {
		meta[models.MetaSection] = ch.Section
	}
	if ch.Page > 0 {
		meta[models.MetaPage] = strconv.Itoa(ch.Page)
	}
	return meta
}

func fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// embeddingCacheKey addresses a vector by model and chunk text, so unchanged
// text in a new revision reuses the earlier vector.
func embeddingCacheKey(version, text string) string {
	return "emb:" + version + ":" + fingerprint(text)
}
