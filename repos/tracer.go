package repos

import (
	"context"
	"github.com/DataDog/go-sqllexer"
	"github.com/jackc/pgx/v5"
	"log"
	"time"
)

// tracer logs failed statements, slow statements, and bulk copy sessions.
// SQL is normalized before logging so parameter values never reach the logs.
type tracer struct{}

var normalizer = sqllexer.NewNormalizer()

type ctxKey int

const (
	_ ctxKey = iota
	traceQueryCtxKey
	traceBatchCtxKey
	traceCopyFromCtxKey
	traceConnectCtxKey
)

const slowQueryThreshold = 200 * time.Millisecond

func normalize(sql string) string {
	out, _, err := normalizer.Normalize(sql)
	if err != nil {
		log.Printf("error normalizing SQL: %s", err)
		return sql
	}
	return out
}

type traceQueryData struct {
	start time.Time
	sql   string
}

func (tl *tracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceQueryCtxKey, &traceQueryData{
		start: time.Now(),
		sql:   normalize(data.SQL),
	})
}

func (tl *tracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	queryData := ctx.Value(traceQueryCtxKey).(*traceQueryData)
	interval := time.Since(queryData.start)

	if data.Err != nil {
		log.Printf("trace error: Query: %s: %s (time %s)", data.Err, queryData.sql, interval)
		return
	}

	if interval > slowQueryThreshold {
		log.Printf("slow query: %s took %s (commandTag %s)", queryData.sql, interval, data.CommandTag.String())
	}
}

type traceBatchData struct {
	start time.Time
	sql   map[string]int
}

func (tl *tracer) TraceBatchStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchStartData) context.Context {
	sql := make(map[string]int)
	for _, q := range data.Batch.QueuedQueries {
		sql[normalize(q.SQL)] += 1
	}

	return context.WithValue(ctx, traceBatchCtxKey, &traceBatchData{
		start: time.Now(),
		sql:   sql,
	})
}

func (tl *tracer) TraceBatchQuery(_ context.Context, _ *pgx.Conn, data pgx.TraceBatchQueryData) {
	if data.Err != nil {
		log.Printf("trace error: BatchQuery: %s: %s", data.Err, normalize(data.SQL))
	}
}

func (tl *tracer) TraceBatchEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchEndData) {
	batchData := ctx.Value(traceBatchCtxKey).(*traceBatchData)
	interval := time.Since(batchData.start)

	if data.Err != nil {
		log.Printf("trace error: BatchClose: %s (time %s)", data.Err, interval)
		return
	}

	if interval > slowQueryThreshold {
		log.Printf("slow batch: %v, took %s", batchData.sql, interval)
	}
}

type traceCopyFromData struct {
	start     time.Time
	tableName pgx.Identifier
}

func (tl *tracer) TraceCopyFromStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceCopyFromStartData) context.Context {
	return context.WithValue(ctx, traceCopyFromCtxKey, &traceCopyFromData{
		start:     time.Now(),
		tableName: data.TableName,
	})
}

func (tl *tracer) TraceCopyFromEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceCopyFromEndData) {
	copyData := ctx.Value(traceCopyFromCtxKey).(*traceCopyFromData)
	interval := time.Since(copyData.start)

	if data.Err != nil {
		log.Printf("trace error: CopyFrom: %s: tableName %s, time %s", data.Err, copyData.tableName, interval)
		return
	}

	log.Printf("copy: loaded %d rows into %s in %s", data.CommandTag.RowsAffected(), copyData.tableName, interval)
}

type traceConnectData struct {
	start      time.Time
	connConfig *pgx.ConnConfig
}

func (tl *tracer) TraceConnectStart(ctx context.Context, data pgx.TraceConnectStartData) context.Context {
	return context.WithValue(ctx, traceConnectCtxKey, &traceConnectData{
		start:      time.Now(),
		connConfig: data.ConnConfig,
	})
}

func (tl *tracer) TraceConnectEnd(ctx context.Context, data pgx.TraceConnectEndData) {
	connectData := ctx.Value(traceConnectCtxKey).(*traceConnectData)
	interval := time.Since(connectData.start)

	if data.Err != nil {
		log.Printf("trace error: Connect: %s: host %s, port %d, database %s, time %s", data.Err, connectData.connConfig.Host, connectData.connConfig.Port, connectData.connConfig.Database, interval)
	}
}

func (tl *tracer) TracePrepareStart(ctx context.Context, _ *pgx.Conn, _ pgx.TracePrepareStartData) context.Context {
	return ctx
}

func (tl *tracer) TracePrepareEnd(_ context.Context, _ *pgx.Conn, _ pgx.TracePrepareEndData) {
}
