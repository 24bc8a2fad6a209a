package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/repload/internal/store"
)

const testGeneration = "neustar.ipinfo.1"

func newPipelineFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	require.NoError(t, f.mem.CreateCollection(context.Background(), testGeneration, GenerationSchema))
	return f
}

func TestPipelineTriangularBatch(t *testing.T) {
	f := newPipelineFixture(t)
	input := csvInput(800, triangular, func(n int) int64 { return triangular(n) + int64(n) })

	p := NewPipeline(f.rec, PipelineOptions{Generation: testGeneration, BatchSize: 800})
	maxSpan, err := p.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	batches := f.rec.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 800)
	assert.Equal(t, int64(1), batches[0][0].Source[ColumnStartAddr])
	assert.Equal(t, int64(800*801/2), batches[0][799].Source[ColumnStartAddr])
	assert.Equal(t, int64(800), maxSpan)

	stats := p.Stats()
	assert.Equal(t, int64(800), stats.Sent)
	assert.Equal(t, int64(1), stats.Batches)
	assert.Equal(t, int64(len(input)), stats.BytesRead)
}

func TestPipelineSpanIndependentOfBatchSize(t *testing.T) {
	// Spans 7,14,21,.. except row 3 which holds the maximum.
	spanOf := func(n int) int64 {
		if n == 3 {
			return 5000
		}
		return int64(n * 7)
	}
	input := csvInput(50, func(n int) int64 { return int64(n) * 10000 }, func(n int) int64 { return int64(n)*10000 + spanOf(n) })

	for _, size := range []int{1, 3, 7, 49, 50, 1000} {
		for _, skip := range []int64{0, 3, 10, 50} {
			f := newPipelineFixture(t)
			p := NewPipeline(f.rec, PipelineOptions{Generation: testGeneration, BatchSize: size, Skip: skip})
			maxSpan, err := p.Run(context.Background(), strings.NewReader(input))
			require.NoError(t, err)
			assert.Equal(t, int64(5000), maxSpan, "batch size %d skip %d", size, skip)
		}
	}
}

func TestPipelineSkip(t *testing.T) {
	f := newPipelineFixture(t)
	input := csvInput(10, triangular, triangular)

	p := NewPipeline(f.rec, PipelineOptions{Generation: testGeneration, BatchSize: 4, Skip: 3})
	_, err := p.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	batches := f.rec.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, int64(4), batches[0][0].Position)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[1], 3)
	assert.Equal(t, int64(10), batches[1][2].Position)

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Skipped)
	assert.Equal(t, int64(7), stats.Sent)

	rows := f.mem.Rows(testGeneration)
	require.Len(t, rows, 7)
	assert.Equal(t, int64(4), rows[0].Position)
}

func TestPipelineDefaultBatchSize(t *testing.T) {
	for _, size := range []int{0, -5} {
		p := NewPipeline(nil, PipelineOptions{BatchSize: size})
		assert.Equal(t, DefaultBatchSize, p.batchSize)
	}
}

func TestPipelineRetriesWholeBatch(t *testing.T) {
	f := newPipelineFixture(t)
	f.rec.failBulk = func(call int) bool { return call <= 3 }

	var snapshots []Progress
	p := NewPipeline(f.rec, PipelineOptions{
		Generation: testGeneration,
		BatchSize:  5,
		Progress:   func(pr Progress) { snapshots = append(snapshots, pr) },
	})
	_, err := p.Run(context.Background(), strings.NewReader(csvInput(8, triangular, triangular)))
	require.NoError(t, err)

	batches := f.rec.Batches()
	require.Len(t, batches, 5) // 3 failed sends of the first batch, its success, the tail
	for i := 0; i < 4; i++ {
		assert.Equal(t, batches[0], batches[i], "resend %d differs", i)
	}
	assert.Len(t, batches[4], 3)

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Retries)
	assert.Equal(t, int64(3), stats.RowErrors)
	assert.Equal(t, int64(2), stats.Batches)
	assert.Equal(t, int64(8), stats.Sent)
	assert.Len(t, f.mem.Rows(testGeneration), 8)

	require.NotEmpty(t, snapshots)
	assert.Equal(t, int64(8), snapshots[len(snapshots)-1].Sent)
}

func TestPipelineRetryHonoursCancel(t *testing.T) {
	f := newPipelineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.rec.failBulk = func(call int) bool {
		if call == 10 {
			cancel()
		}
		return true
	}

	p := NewPipeline(f.rec, PipelineOptions{Generation: testGeneration, BatchSize: 2})
	_, err := p.Run(ctx, strings.NewReader(csvInput(4, triangular, triangular)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.rec.Batches(), 10)
}

func TestPipelineBulkTransportErrorIsFatal(t *testing.T) {
	f := newPipelineFixture(t)
	f.rec.bulkErr = errors.New("connection refused")

	p := NewPipeline(f.rec, PipelineOptions{Generation: testGeneration})
	_, err := p.Run(context.Background(), strings.NewReader(csvInput(3, triangular, triangular)))

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "bulk write", ioErr.Op)
	assert.Len(t, f.rec.Batches(), 1)
}

func TestPipelineUnreadableHeaderIsFatal(t *testing.T) {
	f := newPipelineFixture(t)
	p := NewPipeline(f.rec, PipelineOptions{Generation: testGeneration})
	_, err := p.Run(context.Background(), iotest.ErrReader(errors.New("input device gone")))

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "read header", ioErr.Op)
	assert.Equal(t, "IO004", MapError(err).Code)
	assert.Empty(t, f.rec.Batches())
}

func TestPipelineDropsUnparsableRows(t *testing.T) {
	f := newPipelineFixture(t)
	input := "\xEF\xBB\xBFstart_ip_int,end_ip_int,carrier\n" +
		"1,2,a\n" +
		"3,4\n" + // wrong field count
		"5,100,b\n" +
		"abc,9,c\n"

	p := NewPipeline(f.rec, PipelineOptions{Generation: testGeneration})
	maxSpan, err := p.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, int64(95), maxSpan)

	rows := f.mem.Rows(testGeneration)
	require.Len(t, rows, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{rows[0].Position, rows[1].Position, rows[2].Position})
	assert.Equal(t, "abc", rows[2].Source[ColumnStartAddr])
	assert.Equal(t, int64(9), rows[2].Source[ColumnEndAddr])
	assert.Equal(t, int64(1), p.Stats().ParseErrors)
}

func TestPipelineEmptyInput(t *testing.T) {
	for _, input := range []string{"", "start_ip_int,end_ip_int\n"} {
		f := newPipelineFixture(t)
		p := NewPipeline(f.rec, PipelineOptions{Generation: testGeneration})
		maxSpan, err := p.Run(context.Background(), strings.NewReader(input))
		require.NoError(t, err)
		assert.Zero(t, maxSpan)
		assert.Empty(t, f.rec.Batches())
	}
}

func TestPipelineMissingGeneration(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.rec, PipelineOptions{Generation: "neustar.ipinfo.404"})
	_, err := p.Run(context.Background(), strings.NewReader(csvInput(1, triangular, triangular)))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
