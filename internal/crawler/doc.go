// Package crawler defines the domain types and collaborator interfaces shared by
// the scheduler, classifier, extraction engine, change detector, and the
// worker pipeline that strings them together.
package crawler
