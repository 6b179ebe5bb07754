// Package export writes unconsumed training examples as
// gzip-compressed JSONL calibration batches. Every exported row is
// stamped with the batch id so a file stays self-describing after it
// leaves the machine.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	coacherrors "coach/internal/errors"
	"coach/internal/logging"
	"coach/internal/review"
)

// Options configures one training export.
type Options struct {
	// Path is the output file, conventionally *.jsonl.gz.
	Path string
	// Limit caps the number of examples; zero uses the store default.
	Limit int
	// BatchID overrides the generated batch id.
	BatchID string
}

// Batch summarizes one completed export.
type Batch struct {
	ID         string         `json:"id,omitempty"`
	Path       string         `json:"path"`
	Count      int            `json:"count"`
	Categories map[string]int `json:"categories,omitempty"`
	ExportedAt time.Time      `json:"exportedAt"`
}

// Record is one JSONL line in a training batch file.
type Record struct {
	BatchID      string               `json:"batchId"`
	ExampleID    string               `json:"exampleId"`
	ReviewID     string               `json:"reviewId"`
	CallID       string               `json:"callId"`
	Dimension    string               `json:"dimension"`
	AIScore      int                  `json:"aiScore"`
	ManagerScore int                  `json:"managerScore"`
	ScoreDelta   int                  `json:"scoreDelta"`
	Category     review.DeltaCategory `json:"category"`
	CreatedAt    time.Time            `json:"createdAt"`
}

// Exporter turns reconciled manager reviews into calibration batches.
type Exporter struct {
	reviews *review.Reconciler
	logger  *logging.Logger
}

// NewExporter creates a training exporter.
func NewExporter(reviews *review.Reconciler, logger *logging.Logger) *Exporter {
	return &Exporter{reviews: reviews, logger: logger}
}

// Training exports the unconsumed training examples to opts.Path and
// marks them consumed under a fresh batch id. The file is published
// atomically before any row is marked, so a failure between the two
// steps re-exports the same rows on retry instead of losing them.
// With nothing to export no file is created and the returned batch has
// a zero count.
func (e *Exporter) Training(ctx context.Context, opts Options) (*Batch, error) {
	if opts.Path == "" {
		return nil, coacherrors.New(coacherrors.ValidationFailed, "export path is required")
	}

	examples, err := e.reviews.UnusedExamples(ctx, opts.Limit)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		Path:       opts.Path,
		Categories: make(map[string]int),
		ExportedAt: time.Now().UTC(),
	}
	if len(examples) == 0 {
		e.logger.Info("no unconsumed training examples to export", nil)
		return batch, nil
	}

	batch.ID = opts.BatchID
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}

	if err := e.writeFile(opts.Path, batch.ID, examples); err != nil {
		return nil, err
	}

	ids := make([]string, len(examples))
	for i, ex := range examples {
		ids[i] = ex.ID
		batch.Categories[string(ex.DeltaCategory)]++
	}
	if err := e.reviews.MarkUsed(ctx, ids, batch.ID); err != nil {
		return nil, coacherrors.Wrap(coacherrors.Internal,
			"training batch written but rows not marked consumed", err)
	}
	batch.Count = len(examples)

	e.logger.Info("training batch exported", map[string]interface{}{
		"batch_id": batch.ID,
		"count":    batch.Count,
		"path":     opts.Path,
	})
	return batch, nil
}

func (e *Exporter) writeFile(path, batchID string, examples []review.TrainingExample) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	// Write atomically
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	for _, ex := range examples {
		if err := enc.Encode(toRecord(batchID, ex)); err != nil {
			f.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to encode training example: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close export file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to publish export file: %w", err)
	}
	return nil
}

func toRecord(batchID string, ex review.TrainingExample) Record {
	return Record{
		BatchID:      batchID,
		ExampleID:    ex.ID,
		ReviewID:     ex.ReviewID,
		CallID:       ex.CallID,
		Dimension:    ex.Dimension,
		AIScore:      ex.AIScore,
		ManagerScore: ex.ManagerScore,
		ScoreDelta:   ex.ScoreDelta,
		Category:     ex.DeltaCategory,
		CreatedAt:    ex.CreatedAt,
	}
}

// DecodeRecords reads a gzip-compressed JSONL training batch back into
// records, one per line.
func DecodeRecords(r io.Reader) ([]Record, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer zr.Close()

	var records []Record
	dec := json.NewDecoder(zr)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode training record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
