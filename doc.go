// Package scrivd holds the shared configuration and telemetry plumbing
// for the scrivd servers: a name server that owns the namespace, ACLs,
// and storage-server registry, and storage servers that own file bytes,
// sentence locks, undo snapshots, checkpoints, and replication. The
// server implementations live in internal/nameserver and
// internal/storageserver; package client speaks the wire protocol from
// the user's side.
package scrivd
