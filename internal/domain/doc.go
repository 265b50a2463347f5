// Package domain defines the core types shared by the email validation pipeline.
//
// Types in this package are plain value objects with no database, Redis or HTTP
// dependencies. They are the shared language between the stage workers, the
// coordination layer and the repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no redis client, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Small pure helpers on the types are allowed
//   - Constants and enums belong here
package domain
