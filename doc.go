// Package datavault implements an asynchronous pipeline that extracts a
// user's personal data from third-party providers, packages it into a
// deterministic content-addressed archive, and publishes the archive to
// object storage exactly once.
//
// # Architecture
//
// A job descriptor names a (user, source) pair and carries the OAuth
// credentials for it. Worker processes pull descriptors off a queue and
// drive each through four stages:
//
//  1. Extracting: the source's protocol extractor (cursor-paginated
//     REST, bulk file manifest, or submit-and-poll export) streams
//     items out of the provider. Every outbound request first reserves
//     a slot in the provider's shared rate budget, a fixed-window
//     counter kept in Redis so concurrent workers can never exceed the
//     provider's limit between them.
//
//  2. Packaging: items stream into a tar.gz spool as they arrive, each
//     verified against the provider's declared size and hash. The
//     manifest rides inside the archive as its final member, and the
//     archive's identity is a hash of the sorted item set, independent
//     of arrival order.
//
//  3. Uploading: the archive is published to S3 under a key derived
//     from its identity. A conditional pending-to-committed record in
//     the job store guarantees at most one committed copy per archive,
//     no matter how many redelivered duplicates of the job run.
//
//  4. Completion: the storage key is recorded, or a terminal reason
//     (auth_expired, integrity_mismatch, retries_exhausted, ...) is
//     written for the enqueuing service to surface.
//
// Transient failures, provider 5xx responses and rate-store outages,
// requeue the job with exponential backoff; everything else fails it
// with a recorded reason.
//
// # Quick Start
//
// Run a worker against a YAML configuration:
//
//	datavault worker --config datavault.yml
//
// See examples/datavault.yml for a complete configuration covering the
// three source protocols.
package datavault
