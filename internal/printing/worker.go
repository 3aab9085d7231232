package printing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/domain/prescription"
	"github.com/drfirst/go-rxlayout/internal/observability/metrics"
	"github.com/drfirst/go-rxlayout/internal/snapshot"
	"github.com/drfirst/go-rxlayout/pkg/circuitbreaker"
	"github.com/drfirst/go-rxlayout/pkg/workerpool"
)

// SnapshotSource loads issued snapshots and records reprints
type SnapshotSource interface {
	Get(ctx context.Context, prescriptionID string) (*snapshot.Snapshot, error)
	Document(ctx context.Context, prescriptionID string) (*prescription.Aggregate, error)
	Append(ctx context.Context, agg *prescription.Aggregate) error
}

// ArtifactStore keeps printed files
type ArtifactStore interface {
	Put(ctx context.Context, prescriptionID, snapshotID, format string, data []byte, contentType string) (string, error)
}

// Publisher sends print results
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WorkerConfig holds print worker settings
type WorkerConfig struct {
	ResultTopic string `mapstructure:"result_topic"`
}

// DefaultWorkerConfig returns sensible defaults
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{ResultTopic: "print.results"}
}

// Worker executes print requests: replay, encode, upload, record
type Worker struct {
	config    WorkerConfig
	printer   *Printer
	snapshots SnapshotSource
	store     ArtifactStore
	breaker   *circuitbreaker.CircuitBreaker
	publisher Publisher
	metrics   *metrics.Metrics
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewWorker creates a print worker. The breaker guards uploads and may be nil.
func NewWorker(cfg WorkerConfig, printer *Printer, snapshots SnapshotSource, store ArtifactStore, breaker *circuitbreaker.CircuitBreaker, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTopic == "" {
		cfg.ResultTopic = DefaultWorkerConfig().ResultTopic
	}
	return &Worker{
		config:    cfg,
		printer:   printer,
		snapshots: snapshots,
		store:     store,
		breaker:   breaker,
		publisher: publisher,
		metrics:   m,
		validate:  validator.New(),
		logger:    logger,
	}
}

// errPermanent marks failures a retry cannot fix
var errPermanent = errors.New("permanent print failure")

// Handle runs one print request. Failures that a retry cannot fix are
// reported in a failed Result with a nil error.
func (w *Worker) Handle(ctx context.Context, req Request) (*Result, error) {
	result := &Result{
		PrescriptionID: req.PrescriptionID,
		Format:         req.Format,
		CorrelationID:  req.CorrelationID,
	}

	err := w.handle(ctx, req, result)
	result.CompletedAt = time.Now().UTC()
	if err == nil {
		result.Status = StatusCompleted
		return result, nil
	}
	if errors.Is(err, errPermanent) {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, nil
	}
	return nil, err
}

func (w *Worker) handle(ctx context.Context, req Request, result *Result) error {
	if err := w.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}

	snap, err := w.snapshots.Get(ctx, req.PrescriptionID)
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	if err != nil {
		return err
	}
	result.SnapshotID = snap.ID

	artifact, err := w.printer.Reprint(ctx, snap, req.Format)
	switch {
	case errors.Is(err, snapshot.ErrChecksumMismatch), errors.Is(err, ErrPDFUnavailable), errors.Is(err, ErrUnknownFormat):
		return fmt.Errorf("%w: %v", errPermanent, err)
	case err != nil:
		return err
	}

	put := func() (string, error) {
		return w.store.Put(ctx, snap.PrescriptionID, snap.ID, string(req.Format), artifact.Data, artifact.ContentType)
	}
	var key string
	if w.breaker != nil {
		key, err = circuitbreaker.Call(ctx, w.breaker, put)
	} else {
		key, err = put()
	}
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	result.ArtifactKey = key
	result.Bytes = len(artifact.Data)

	agg, err := w.snapshots.Document(ctx, req.PrescriptionID)
	if err != nil {
		return fmt.Errorf("load prescription document: %w", err)
	}
	if err := agg.RecordReprint(string(req.Format), key, req.CorrelationID); err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	if err := w.snapshots.Append(ctx, agg); err != nil {
		return fmt.Errorf("record reprint: %w", err)
	}

	if w.metrics != nil {
		w.metrics.Reprints.WithLabelValues(string(req.Format)).Inc()
	}
	return nil
}

// Process adapts Handle to a worker pool task carrying a Request
func (w *Worker) Process(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	req, ok := task.Payload.(Request)
	if !ok {
		return &workerpool.Result{Success: true, Data: &Result{
			Status:      StatusFailed,
			Error:       fmt.Sprintf("unexpected payload %T", task.Payload),
			CompletedAt: time.Now().UTC(),
		}}
	}
	res, err := w.Handle(ctx, req)
	if err != nil {
		return &workerpool.Result{Error: err}
	}
	return &workerpool.Result{Success: true, Data: res}
}

// Run decodes one print request, executes it on pool and publishes the
// outcome. Undecodable messages fail with ErrUndecodable and publish nothing.
func (w *Worker) Run(ctx context.Context, pool *workerpool.Pool, value []byte) error {
	var req Request
	if err := json.Unmarshal(value, &req); err != nil {
		w.logger.Warn("undecodable print request", zap.Error(err))
		w.count(StatusFailed)
		return fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	res, err := pool.SubmitWait(ctx, &workerpool.Task{ID: req.PrescriptionID, Payload: req})
	if err != nil {
		return fmt.Errorf("submit print job: %w", err)
	}

	out, _ := res.Data.(*Result)
	if !res.Success || out == nil {
		out = &Result{
			PrescriptionID: req.PrescriptionID,
			Format:         req.Format,
			Status:         StatusFailed,
			CorrelationID:  req.CorrelationID,
			CompletedAt:    time.Now().UTC(),
		}
		if res.Error != nil {
			out.Error = res.Error.Error()
		}
	}

	w.count(out.Status)
	if out.Status == StatusFailed {
		w.logger.Warn("print job failed",
			zap.String("prescription_id", out.PrescriptionID),
			zap.String("format", string(out.Format)),
			zap.String("error", out.Error))
	} else {
		w.logger.Info("print job completed",
			zap.String("prescription_id", out.PrescriptionID),
			zap.String("artifact_key", out.ArtifactKey),
			zap.Int("bytes", out.Bytes))
	}
	return w.publish(ctx, out)
}

func (w *Worker) publish(ctx context.Context, res *Result) error {
	if w.publisher == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal print result: %w", err)
	}
	return w.publisher.Publish(ctx, w.config.ResultTopic, res.PrescriptionID, data)
}

func (w *Worker) count(status Status) {
	if w.metrics != nil {
		w.metrics.PrintJobs.WithLabelValues(string(status)).Inc()
	}
}
