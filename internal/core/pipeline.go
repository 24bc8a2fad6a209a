package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/JonMunkholm/repload/internal/logging"
	"github.com/JonMunkholm/repload/internal/store"
)

const DefaultBatchSize = 1000

// progressInterval throttles progress callbacks between batches.
const progressInterval = 250 * time.Millisecond

// PipelineOptions configure a single pipeline run.
type PipelineOptions struct {
	Generation string
	// Skip is the number of data rows not sent: the explicit skip plus, on
	// resume, the rows the generation already holds.
	Skip int64
	// BatchSize is the number of rows per bulk write. Values <= 0 mean
	// DefaultBatchSize.
	BatchSize int
	Progress  ProgressFunc
}

// Pipeline streams CSV rows into one generation. A Pipeline owns its
// counters and buffer and is used for a single Run.
type Pipeline struct {
	store      store.Store
	generation string
	skip       int64
	batchSize  int
	onProgress ProgressFunc

	buf          []store.Row
	stats        Progress
	counter      *CountingReader
	lastProgress time.Time
}

func NewPipeline(st store.Store, opts PipelineOptions) *Pipeline {
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Pipeline{
		store:      st,
		generation: opts.Generation,
		skip:       opts.Skip,
		batchSize:  size,
		onProgress: opts.Progress,
		buf:        make([]store.Row, 0, size),
		stats:      Progress{Generation: opts.Generation},
	}
}

// Stats returns the counters of the pipeline.
func (p *Pipeline) Stats() Progress {
	s := p.stats
	if p.counter != nil {
		s.BytesRead = p.counter.BytesRead()
	}
	return s
}

// Run reads input to the end and returns the largest span among all parsed
// rows, skipped ones included. The header row is always discarded. Rows are
// written in input order; Run returns only after the last batch is
// acknowledged.
func (p *Pipeline) Run(ctx context.Context, input io.Reader) (int64, error) {
	log := logging.WithFields(ctx, "generation", p.generation)

	wrapped, counter := WrapInput(input)
	p.counter = counter

	r := csv.NewReader(wrapped)
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		log.Info("input is empty")
		return 0, nil
	}
	if err != nil {
		return 0, &IOError{Op: "read header", Err: fmt.Errorf("invalid csv header: %w", err)}
	}
	columns := NormalizeHeader(header)
	log.Debug("input header", "columns", columns)

	var position int64
	for {
		cells, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			p.stats.ParseErrors++
			pipelineRows.WithLabelValues("dropped").Inc()
			logging.Verbose(ctx, log, "dropping unparsable row", "line", parseErr.Line, "error", parseErr.Err)
			continue
		}
		if err != nil {
			return p.stats.MaxSpan, &IOError{Op: "read input", Err: err}
		}

		position++
		p.stats.Read++
		rec := ConvertRow(columns, cells, position)
		p.foldSpan(rec)

		if position <= p.skip {
			p.stats.Skipped++
			pipelineRows.WithLabelValues("skipped").Inc()
			continue
		}

		p.buf = append(p.buf, store.Row{Position: rec.Position, Source: rec.Source})
		if len(p.buf) >= p.batchSize {
			if err := p.flush(ctx, log); err != nil {
				return p.stats.MaxSpan, err
			}
		}
	}

	if err := p.flush(ctx, log); err != nil {
		return p.stats.MaxSpan, err
	}
	pipelineMaxSpan.Set(float64(p.stats.MaxSpan))
	p.report(true)
	return p.stats.MaxSpan, nil
}

func (p *Pipeline) foldSpan(rec Record) {
	span, ok := rec.Span()
	if ok && span > p.stats.MaxSpan {
		p.stats.MaxSpan = span
	}
}

// flush writes the buffered rows. A batch with any rejected row is sent again
// in full, after yielding, until the store accepts every row. Only a failing
// call is returned.
func (p *Pipeline) flush(ctx context.Context, log *slog.Logger) error {
	if len(p.buf) == 0 {
		return nil
	}

	for {
		report, err := p.store.BulkWrite(ctx, p.generation, p.buf)
		if err != nil {
			return &IOError{Op: "bulk write", Name: p.generation, Err: err}
		}
		failures := report.Failures()
		if failures == 0 {
			break
		}

		p.stats.RowErrors += int64(failures)
		p.stats.Retries++
		pipelineRetries.Inc()
		logging.Verbose(ctx, log, "bulk batch had row failures, resending",
			"rows", len(p.buf),
			"failures", failures,
			"first_position", p.buf[0].Position)
		p.report(false)

		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	p.stats.Batches++
	p.stats.Sent += int64(len(p.buf))
	pipelineBatches.Inc()
	pipelineRows.WithLabelValues("sent").Add(float64(len(p.buf)))
	log.Debug("bulk batch written", "rows", len(p.buf), "batches", p.stats.Batches)

	p.buf = make([]store.Row, 0, p.batchSize)
	p.report(false)
	return nil
}

func (p *Pipeline) report(force bool) {
	if p.onProgress == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(p.lastProgress) < progressInterval {
		return
	}
	p.lastProgress = now
	p.onProgress(p.Stats())
}
