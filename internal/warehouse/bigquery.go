package warehouse

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dolr-ai/videohash-indexer/internal/codec"
	"github.com/dolr-ai/videohash-indexer/internal/retry"
)

const (
	defaultPageSize = 50000
	writeAttempts   = 3
	healthAttempts  = 1
	appendBatchSize = 500
)

// bqRow is the wire shape of one row in the backing video_unique-style table.
type bqRow struct {
	VideoID   string    `bigquery:"video_id"`
	VideoHash string    `bigquery:"videohash"`
	CreatedAt time.Time `bigquery:"created_at"`
}

// rowIterator is the subset of *bigquery.RowIterator that FetchAll needs,
// narrowed so a fake can stand in for tests.
type rowIterator interface {
	Next(dst interface{}) error
}

// queryer runs a query and returns its rows one page at a time.
type queryer interface {
	run(ctx context.Context, sql string) (rowIterator, error)
}

// inserter streaming-inserts rows, matching (*bigquery.Inserter).Put.
type inserter interface {
	Put(ctx context.Context, src interface{}) error
}

type liveQueryer struct {
	client *bigquery.Client
}

func (q *liveQueryer) run(ctx context.Context, sql string) (rowIterator, error) {
	it, err := q.client.Query(sql).Read(ctx)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// BigQueryWarehouse persists rows to a BigQuery table shaped like
// (video_id STRING, videohash STRING, created_at TIMESTAMP), matching the
// dataset this service was originally built against.
type BigQueryWarehouse struct {
	q        queryer
	ins      inserter
	pingFn   func(ctx context.Context) error
	project  string
	dataset  string
	table    string
	pageSize int
	log      *zap.Logger
}

// Connect resolves credentials and dials BigQuery. Credential resolution
// tries, in order: an inline service account key (GOOGLE_SA_KEY), a
// credentials file path (GOOGLE_APPLICATION_CREDENTIALS), then application
// default credentials.
func Connect(ctx context.Context, log *zap.Logger) (*BigQueryWarehouse, error) {
	project := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if project == "" {
		return nil, fmt.Errorf("warehouse: GOOGLE_CLOUD_PROJECT is required")
	}
	dataset := os.Getenv("BIGQUERY_DATASET")
	table := os.Getenv("BIGQUERY_TABLE")
	if dataset == "" || table == "" {
		return nil, fmt.Errorf("warehouse: BIGQUERY_DATASET and BIGQUERY_TABLE are required")
	}

	var opts []option.ClientOption
	switch {
	case os.Getenv("GOOGLE_SA_KEY") != "":
		log.Info("connecting to bigquery with inline service account key")
		opts = append(opts, option.WithCredentialsJSON([]byte(os.Getenv("GOOGLE_SA_KEY"))))
	case os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "":
		log.Info("connecting to bigquery with credentials file",
			zap.String("path", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")))
		opts = append(opts, option.WithCredentialsFile(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")))
	default:
		log.Info("connecting to bigquery with application default credentials")
	}

	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: creating bigquery client: %w", err)
	}

	table_ := client.Dataset(dataset).Table(table)
	ins := table_.Inserter()

	pageSize := defaultPageSize
	if n, err := strconv.Atoi(os.Getenv("WAREHOUSE_PAGE_SIZE")); err == nil && n > 0 {
		pageSize = n
	}

	return &BigQueryWarehouse{
		q:   &liveQueryer{client: client},
		ins: ins,
		pingFn: func(ctx context.Context) error {
			_, err := table_.Metadata(ctx)
			return err
		},
		project:  project,
		dataset:  dataset,
		table:    table,
		pageSize: pageSize,
		log:      log,
	}, nil
}

// FetchAll pages through the table ordered by created_at descending,
// pageSize rows at a time (WAREHOUSE_PAGE_SIZE, default defaultPageSize),
// stopping once a page comes back short.
func (w *BigQueryWarehouse) FetchAll(ctx context.Context) ([]Row, error) {
	var all []Row
	offset := 0

	for {
		sql := fmt.Sprintf(
			"SELECT video_id, videohash, created_at FROM `%s.%s.%s` ORDER BY created_at DESC LIMIT %d OFFSET %d",
			w.project, w.dataset, w.table, w.pageSize, offset,
		)

		w.log.Info("fetching warehouse page", zap.Int("page_size", w.pageSize), zap.Int("offset", offset))

		var page []Row
		err := retry.WithRetry(ctx, writeAttempts, func(ctx context.Context) error {
			p, runErr := w.fetchPage(ctx, sql)
			if runErr != nil {
				return runErr
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("warehouse: fetching page at offset %d: %w", offset, err)
		}

		all = append(all, page...)
		offset += len(page)

		if len(page) < w.pageSize {
			break
		}
	}

	w.log.Info("loaded rows from warehouse", zap.Int("count", len(all)))
	return all, nil
}

func (w *BigQueryWarehouse) fetchPage(ctx context.Context, sql string) ([]Row, error) {
	it, err := w.q.run(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var page []Row
	for {
		var r bqRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}

		if _, perr := codec.Parse(r.VideoHash); perr != nil {
			w.log.Warn("skipping row with unparseable fingerprint",
				zap.String("video_id", r.VideoID), zap.Error(perr))
			continue
		}

		page = append(page, Row{ID: r.VideoID, CodeString: r.VideoHash, Timestamp: r.CreatedAt})
	}
	return page, nil
}

// Append durably writes a single row, stamped with the current time.
func (w *BigQueryWarehouse) Append(ctx context.Context, id, codeString string) error {
	return w.AppendMany(ctx, []Row{{ID: id, CodeString: codeString, Timestamp: time.Now().UTC()}})
}

// AppendMany writes rows in batches of at most appendBatchSize, retrying
// each batch as a unit.
func (w *BigQueryWarehouse) AppendMany(ctx context.Context, rows []Row) error {
	for start := 0; start < len(rows); start += appendBatchSize {
		end := start + appendBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := toBQRows(rows[start:end])

		err := retry.WithRetry(ctx, writeAttempts, func(ctx context.Context) error {
			return w.ins.Put(ctx, batch)
		})
		if err != nil {
			return fmt.Errorf("warehouse: inserting batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

func toBQRows(rows []Row) []bqRow {
	out := make([]bqRow, len(rows))
	for i, r := range rows {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		out[i] = bqRow{VideoID: r.ID, VideoHash: r.CodeString, CreatedAt: ts}
	}
	return out
}

// Healthy probes reachability with a single attempt; callers should not
// treat a false result as fatal on its own.
func (w *BigQueryWarehouse) Healthy(ctx context.Context) bool {
	err := retry.WithRetry(ctx, healthAttempts, w.pingFn)
	return err == nil
}
