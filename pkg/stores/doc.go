// Package stores persists the native objects of the dummy backend in SQLite.
// Records are top-level objects (virtual machines, networks, volumes and so
// on) scoped by owner; attachments are indexed sub-objects of a record such
// as network interfaces and storage links. The schema is managed with
// embedded golang-migrate migrations.
package stores
