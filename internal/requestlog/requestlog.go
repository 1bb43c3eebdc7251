// Package requestlog is a non-blocking, batched writer of completed-request
// records to ClickHouse (spec.md §4.10 / §6), for per-key and per-model
// analytics queries that outlive the hot path's slog output.
//
// Entries are pushed onto a buffered channel and flushed in batches by a
// background goroutine, the same shape as internal/logger's stdout logger:
// logging must never block a request waiting on ClickHouse.
package requestlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = 2 * time.Second
)

// Writer batches store.RequestLog rows into ClickHouse INSERTs.
type Writer struct {
	conn driver.Conn
	ch   chan store.RequestLog
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

// Config is the subset of ClickHouse connection options the gateway exposes.
type Config struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// Open dials ClickHouse and starts the background flush loop.
func Open(ctx context.Context, cfg Config, slogger *slog.Logger) (*Writer, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("requestlog: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("requestlog: ping clickhouse: %w", err)
	}

	w := &Writer{
		conn:    conn,
		ch:      make(chan store.RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Log enqueues entry for async persistence. Never blocks: a full channel
// drops the entry and counts it in DroppedLogs, the same trade-off as
// internal/logger's stdout path.
func (w *Writer) Log(entry store.RequestLog) {
	select {
	case w.ch <- entry:
	default:
		atomic.AddInt64(&w.droppedLogs, 1)
	}
}

func (w *Writer) DroppedLogs() int64 { return atomic.LoadInt64(&w.droppedLogs) }

// Close drains the channel, flushes the final batch, and closes the
// connection.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return w.conn.Close()
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.insertBatch(ctx, batch); err != nil {
			w.log.ErrorContext(ctx, "requestlog_flush_failed",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(w.baseCtx)
			}
		case <-ticker.C:
			flush(w.baseCtx)
		case <-w.done:
			for {
				select {
				case entry := <-w.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(w.baseCtx)
					}
				default:
					flush(w.baseCtx)
					return
				}
			}
		}
	}
}

func (w *Writer) insertBatch(ctx context.Context, rows []store.RequestLog) error {
	b, err := w.conn.PrepareBatch(ctx, `INSERT INTO request_log (
		request_id, principal_id, deployment_id, model, provider,
		prompt_tokens, completion_tokens, cost_usd, latency_ms,
		http_status, cached, error_message, created_at
	)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		var principalID, deploymentID string
		if r.PrincipalID != nil {
			principalID = r.PrincipalID.String()
		}
		if r.DeploymentID != nil {
			deploymentID = r.DeploymentID.String()
		}
		if err := b.Append(
			r.RequestID, principalID, deploymentID, r.Model, r.Provider,
			uint32(r.PromptTokens), uint32(r.CompletionTokens), r.CostUSD.InexactFloat64(),
			uint32(r.LatencyMS), uint16(r.HTTPStatus), r.Cached, r.ErrorMessage, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return b.Send()
}
