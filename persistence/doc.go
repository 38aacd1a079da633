// Package persistence provides the storage backends for the workflow engine:
// checkpoint stores, the execution queue, and the ticket repository.
//
// Supported backends:
//   - Memory: for development and testing (default)
//   - SQLite (via GORM): for single-node production deployments
//   - Redis: checkpoint storage for distributed deployments; queue and
//     tickets remain on SQL
package persistence
