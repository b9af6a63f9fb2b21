// Package crawler defines the domain model shared by the crawl engine:
// documents, links, domain settings, cookies, crawl policies, fetched
// pages, the error taxonomy, and the interfaces implemented by the
// storage, fetching, and publishing subsystems.
package crawler
