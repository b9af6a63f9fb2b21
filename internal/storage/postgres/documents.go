package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

const docColumns = `id, url, status, title, content, content_hash, lang, mimetype, depth, recurse,
	link_count, redirect_url, error, robots_rejected, COALESCE(worker_id, ''),
	crawl_first, crawl_last, crawl_next, crawl_dt_ms`

var linkColumns = []string{"source_id", "target_id", "extern_url", "text", "text_offset", "ordinal", "position"}

func scanDocument(row pgx.Row) (crawler.Document, error) {
	var (
		d      crawler.Document
		status string
		dtMS   int64
	)
	err := row.Scan(
		&d.ID, &d.URL, &status, &d.Title, &d.Content, &d.ContentHash, &d.Lang, &d.Mimetype,
		&d.Depth, &d.Recurse, &d.LinkCount, &d.RedirectURL, &d.Error, &d.RobotsDeny, &d.WorkerID,
		&d.CrawlFirst, &d.CrawlLast, &d.CrawlNext, &dtMS,
	)
	if err != nil {
		return crawler.Document{}, err
	}
	d.Status = crawler.DocStatus(status)
	d.CrawlDT = time.Duration(dtMS) * time.Millisecond
	return d, nil
}

// Queue inserts req.URL if absent. An existing document keeps the larger
// recurse budget and the smaller depth; Force re-queues an unclaimed one.
func (s *Store) Queue(ctx context.Context, req crawler.QueueRequest) (crawler.Document, error) {
	if req.URL == "" {
		return crawler.Document{}, fmt.Errorf("queue document: %w: empty url", crawler.ErrInvalidURL)
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO documents (url, depth, recurse) VALUES ($1, $2, $3)
ON CONFLICT (url) DO UPDATE SET
	recurse = GREATEST(documents.recurse, EXCLUDED.recurse),
	depth = LEAST(documents.depth, EXCLUDED.depth),
	status = CASE WHEN $4 AND documents.worker_id IS NULL THEN 'queued' ELSE documents.status END,
	crawl_next = CASE WHEN $4 AND documents.worker_id IS NULL THEN now() ELSE documents.crawl_next END
RETURNING `+docColumns, req.URL, req.Depth, req.Recurse, req.Force)
	doc, err := scanDocument(row)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("queue %s: %w", req.URL, classify(err))
	}
	return doc, nil
}

// Get returns the document stored under url.
func (s *Store) Get(ctx context.Context, url string) (crawler.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE url = $1`, url))
	if err != nil {
		return crawler.Document{}, notFound(err, "get document "+url)
	}
	return doc, nil
}

// GetByID returns the document with the given id.
func (s *Store) GetByID(ctx context.Context, id int64) (crawler.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return crawler.Document{}, notFound(err, fmt.Sprintf("get document %d", id))
	}
	return doc, nil
}

// ClaimNext claims the next never-crawled document (by id) or, failing
// that, the earliest due re-crawl. Rows locked by other workers are
// skipped.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time) (crawler.Document, error) {
	row := s.pool.QueryRow(ctx, `
WITH next AS (
	SELECT id AS next_id FROM documents
	WHERE worker_id IS NULL
		AND ((crawl_last IS NULL AND status = 'queued') OR crawl_next <= $2)
	ORDER BY crawl_last IS NOT NULL, crawl_next NULLS FIRST, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE documents SET worker_id = $1, status = 'fetching'
FROM next WHERE documents.id = next.next_id
RETURNING `+docColumns, workerID, now)
	doc, err := scanDocument(row)
	if err != nil {
		return crawler.Document{}, notFound(err, "claim next document")
	}
	return doc, nil
}

// ClaimOrCreate claims url for workerID, inserting it at depth when
// absent. It fails with crawler.ErrClaimed when another worker holds it.
func (s *Store) ClaimOrCreate(ctx context.Context, url string, depth int, workerID string) (crawler.Document, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO documents (url, depth, status, worker_id) VALUES ($1, $2, 'fetching', $3)
ON CONFLICT (url) DO UPDATE SET worker_id = EXCLUDED.worker_id, status = 'fetching'
	WHERE documents.worker_id IS NULL OR documents.worker_id = EXCLUDED.worker_id
RETURNING `+docColumns, url, depth, workerID)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Document{}, fmt.Errorf("claim %s: %w", url, crawler.ErrClaimed)
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("claim %s: %w", url, classify(err))
	}
	return doc, nil
}

// releaseSet requeues a claimed row. A document with no crawl_next (one
// whose recrawl mode is none) is made due now, or ClaimNext would never
// pick it again.
const releaseSet = `UPDATE documents SET worker_id = NULL, status = 'queued', crawl_next = COALESCE(crawl_next, now())`

// Release drops workerID's claim and puts the document back in the queue.
func (s *Store) Release(ctx context.Context, id int64, workerID string) error {
	tag, err := s.pool.Exec(ctx, releaseSet+` WHERE id = $1 AND worker_id = $2`, id, workerID)
	if err != nil {
		return fmt.Errorf("release document %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release document %d: %w", id, crawler.ErrClaimed)
	}
	return nil
}

// ResetClaims hands documents left FETCHING by a previous run back to the
// queue.
func (s *Store) ResetClaims(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, releaseSet+` WHERE worker_id IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("reset claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveIndexed writes doc and replaces its outbound links in one
// transaction, releasing the claim.
func (s *Store) SaveIndexed(ctx context.Context, doc crawler.Document, links []crawler.Link) (crawler.Document, error) {
	var saved crawler.Document
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if saved, err = writeDocument(ctx, tx, doc); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM links WHERE source_id = $1`, doc.ID); err != nil {
			return fmt.Errorf("delete links: %w", err)
		}
		if len(links) == 0 {
			return nil
		}
		rows := make([][]any, len(links))
		for i, l := range links {
			var extern *string
			if l.TargetID == nil {
				u := l.ExternURL
				extern = &u
			}
			rows[i] = []any{doc.ID, l.TargetID, extern, l.Text, l.Offset, l.Ordinal, l.Position}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"links"}, linkColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert links: %w", classify(err))
		}
		return nil
	})
	if err != nil {
		return crawler.Document{}, fmt.Errorf("save indexed document: %w", err)
	}
	return saved, nil
}

// SaveOutcome writes a skipped, errored or redirect record and releases
// the claim. clearLinks drops the document's outbound links.
func (s *Store) SaveOutcome(ctx context.Context, doc crawler.Document, clearLinks bool) (crawler.Document, error) {
	var saved crawler.Document
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if saved, err = writeDocument(ctx, tx, doc); err != nil {
			return err
		}
		if clearLinks {
			if _, err := tx.Exec(ctx, `DELETE FROM links WHERE source_id = $1`, doc.ID); err != nil {
				return fmt.Errorf("delete links: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return crawler.Document{}, fmt.Errorf("save document outcome: %w", err)
	}
	return saved, nil
}

// writeDocument locks the row, checks the url still matches and writes
// every mutable column.
func writeDocument(ctx context.Context, tx pgx.Tx, doc crawler.Document) (crawler.Document, error) {
	var url string
	if err := tx.QueryRow(ctx, `SELECT url FROM documents WHERE id = $1 FOR UPDATE`, doc.ID).Scan(&url); err != nil {
		return crawler.Document{}, notFound(err, fmt.Sprintf("lock document %d", doc.ID))
	}
	if url != doc.URL {
		return crawler.Document{}, fmt.Errorf("document %d url changed to %s: %w", doc.ID, doc.URL, crawler.ErrConstraintViolation)
	}
	row := tx.QueryRow(ctx, `
UPDATE documents SET
	status = $2, title = $3, content = $4, content_hash = $5, lang = $6, mimetype = $7,
	depth = $8, recurse = $9, link_count = $10, redirect_url = $11, error = $12,
	robots_rejected = $13, worker_id = NULL, crawl_first = $14, crawl_last = $15,
	crawl_next = $16, crawl_dt_ms = $17
WHERE id = $1
RETURNING `+docColumns,
		doc.ID, string(doc.Status), doc.Title, doc.Content, doc.ContentHash, doc.Lang, doc.Mimetype,
		doc.Depth, doc.Recurse, doc.LinkCount, doc.RedirectURL, doc.Error,
		doc.RobotsDeny, doc.CrawlFirst, doc.CrawlLast, doc.CrawlNext, doc.CrawlDT.Milliseconds(),
	)
	saved, err := scanDocument(row)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("update document %d: %w", doc.ID, classify(err))
	}
	return saved, nil
}

// RelinkExtern points every extern link to url at docID.
func (s *Store) RelinkExtern(ctx context.Context, url string, docID int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE links SET target_id = $2, extern_url = NULL WHERE target_id IS NULL AND extern_url = $1`, url, docID)
	if err != nil {
		return 0, fmt.Errorf("relink %s: %w", url, err)
	}
	return int(tag.RowsAffected()), nil
}

// Links returns the outbound links of docID in document order.
func (s *Store) Links(ctx context.Context, docID int64) ([]crawler.Link, error) {
	rows, err := s.pool.Query(ctx, `
SELECT source_id, target_id, COALESCE(extern_url, ''), text, text_offset, ordinal, position
FROM links WHERE source_id = $1 ORDER BY position`, docID)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	links := []crawler.Link{}
	for rows.Next() {
		var l crawler.Link
		if err := rows.Scan(&l.SourceID, &l.TargetID, &l.ExternURL, &l.Text, &l.Offset, &l.Ordinal, &l.Position); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return links, nil
}

// Stats counts documents per status, links and domains.
func (s *Store) Stats(ctx context.Context) (crawler.StoreStats, error) {
	stats := crawler.StoreStats{ByStatus: make(map[crawler.DocStatus]int)}
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM documents GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan document count: %w", err)
		}
		stats.ByStatus[crawler.DocStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate document counts: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT (SELECT count(*) FROM links), (SELECT count(*) FROM domain_settings)`).
		Scan(&stats.Links, &stats.Domains)
	if err != nil {
		return stats, fmt.Errorf("count links and domains: %w", err)
	}
	return stats, nil
}
