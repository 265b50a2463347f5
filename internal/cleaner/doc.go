// Package cleaner holds the pure normalization and rule engine used by the
// dedupe and filter stages.
//
// Nothing in this package performs I/O except Resolver, which reads rule sets
// through a RuleSource and caches the merged result per submitter scope.
package cleaner
