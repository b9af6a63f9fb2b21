package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlindex/internal/crawler"
)

// CookiesForHost returns the cookies stored for host or any parent domain.
func (s *Store) CookiesForHost(ctx context.Context, host string) ([]crawler.Cookie, error) {
	host = strings.ToLower(host)
	rows, err := s.pool.Query(ctx, `
SELECT domain, name, path, value, inc_subdomain, expires, secure, http_only, same_site
FROM cookies
WHERE domain = $1 OR right($1, length(domain) + 1) = '.' || domain
ORDER BY domain, path, name`, host)
	if err != nil {
		return nil, fmt.Errorf("query cookies for %s: %w", host, err)
	}
	defer rows.Close()

	var out []crawler.Cookie
	for rows.Next() {
		var c crawler.Cookie
		if err := rows.Scan(&c.Domain, &c.Name, &c.Path, &c.Value, &c.IncSubdomain, &c.Expires,
			&c.Secure, &c.HTTPOnly, &c.SameSite); err != nil {
			return nil, fmt.Errorf("scan cookie: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cookies: %w", err)
	}
	return out, nil
}

// UpsertCookies inserts or replaces cookies keyed by domain, name and path.
func (s *Store) UpsertCookies(ctx context.Context, cookies []crawler.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, c := range cookies {
			_, err := tx.Exec(ctx, `
INSERT INTO cookies (domain, name, path, value, inc_subdomain, expires, secure, http_only, same_site)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (domain, name, path) DO UPDATE SET
	value = EXCLUDED.value, inc_subdomain = EXCLUDED.inc_subdomain, expires = EXCLUDED.expires,
	secure = EXCLUDED.secure, http_only = EXCLUDED.http_only, same_site = EXCLUDED.same_site`,
				c.Domain, c.Name, c.Path, c.Value, c.IncSubdomain, c.Expires, c.Secure, c.HTTPOnly, c.SameSite)
			if err != nil {
				return fmt.Errorf("upsert cookie %s: %w", c.Name, classify(err))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert cookies: %w", err)
	}
	return nil
}

// DeleteCookies removes cookies by domain, name and path.
func (s *Store) DeleteCookies(ctx context.Context, cookies []crawler.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	domains := make([]string, len(cookies))
	names := make([]string, len(cookies))
	paths := make([]string, len(cookies))
	for i, c := range cookies {
		domains[i], names[i], paths[i] = c.Domain, c.Name, c.Path
	}
	_, err := s.pool.Exec(ctx, `
DELETE FROM cookies WHERE (domain, name, path) IN (
	SELECT * FROM unnest($1::text[], $2::text[], $3::text[])
)`, domains, names, paths)
	if err != nil {
		return fmt.Errorf("delete cookies: %w", err)
	}
	return nil
}
