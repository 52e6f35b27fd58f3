// Package crawler holds the domain types and collaborator interfaces shared
// by the sync pipeline.
package crawler
