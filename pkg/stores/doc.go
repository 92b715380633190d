// Package stores persists project snapshots in SQLite.
//
// A snapshot is the full tracked state of an experiment (every trial with
// its parameters and result rows) saved after consolidation, so that an
// experiment can be analysed without its trial directories. The schema is
// managed with golang-migrate from embedded migrations and the database is
// opened through the pure Go modernc.org/sqlite driver.
package stores
