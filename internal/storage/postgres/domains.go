package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

func scanDomain(row pgx.Row) (crawler.DomainSetting, error) {
	var (
		ds           crawler.DomainSetting
		mode, robots string
	)
	if err := row.Scan(&ds.Domain, &mode, &robots, &ds.RobotsTxt, &ds.LastFetch); err != nil {
		return crawler.DomainSetting{}, err
	}
	ds.BrowseMode = crawler.BrowseMode(mode)
	ds.RobotsStatus = crawler.RobotsStatus(robots)
	return ds, nil
}

// GetDomain returns the stored setting for domain.
func (s *Store) GetDomain(ctx context.Context, domain string) (crawler.DomainSetting, error) {
	ds, err := scanDomain(s.pool.QueryRow(ctx,
		`SELECT domain, browse_mode, robots_status, robots_txt, last_fetch FROM domain_settings WHERE domain = $1`, domain))
	if err != nil {
		return crawler.DomainSetting{}, notFound(err, "get domain "+domain)
	}
	return ds, nil
}

// UpsertDomain inserts setting unless the domain exists and returns the
// stored row either way.
func (s *Store) UpsertDomain(ctx context.Context, setting crawler.DomainSetting) (crawler.DomainSetting, error) {
	ds, err := scanDomain(s.pool.QueryRow(ctx, `
INSERT INTO domain_settings (domain, browse_mode, robots_status, robots_txt) VALUES ($1, $2, $3, $4)
ON CONFLICT (domain) DO UPDATE SET domain = EXCLUDED.domain
RETURNING domain, browse_mode, robots_status, robots_txt, last_fetch`,
		setting.Domain, string(setting.BrowseMode), string(setting.RobotsStatus), setting.RobotsTxt))
	if err != nil {
		return crawler.DomainSetting{}, fmt.Errorf("upsert domain %s: %w", setting.Domain, classify(err))
	}
	return ds, nil
}

// ReserveFetch books the next fetch slot for domain under a row lock:
// slot = max(now, last_fetch + delay).
func (s *Store) ReserveFetch(ctx context.Context, domain string, now time.Time, delay time.Duration) (time.Time, error) {
	slot := now
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO domain_settings (domain, browse_mode, robots_status) VALUES ($1, $2, $3)
ON CONFLICT (domain) DO NOTHING`, domain, string(crawler.BrowseRequests), string(crawler.RobotsUnknown))
		if err != nil {
			return fmt.Errorf("ensure domain: %w", err)
		}
		var last *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT last_fetch FROM domain_settings WHERE domain = $1 FOR UPDATE`, domain).Scan(&last); err != nil {
			return fmt.Errorf("lock domain: %w", err)
		}
		if last != nil {
			if next := last.Add(delay); next.After(slot) {
				slot = next
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE domain_settings SET last_fetch = $2 WHERE domain = $1`, domain, slot); err != nil {
			return fmt.Errorf("book slot: %w", err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("reserve fetch for %s: %w", domain, err)
	}
	return slot, nil
}

// SetBrowseMode records the browse mode chosen for domain.
func (s *Store) SetBrowseMode(ctx context.Context, domain string, mode crawler.BrowseMode) error {
	tag, err := s.pool.Exec(ctx, `UPDATE domain_settings SET browse_mode = $2 WHERE domain = $1`, domain, string(mode))
	if err != nil {
		return fmt.Errorf("set browse mode for %s: %w", domain, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set browse mode for %s: %w", domain, crawler.ErrNotFound)
	}
	return nil
}
