// Package schema defines the records that agentdesk keeps in its local store
// and mirrors to the cloud.
//
// # Overview
//
// Four entity types are synchronized: workspaces, sessions, inbox messages
// and diff comments. Every record embeds a Meta block carrying the sync
// bookkeeping shared by all of them:
//
//	{
//	  "localId":    "0190b8c2-...",   // generated on this device
//	  "cloudId":    "ws_12",          // assigned by the cloud, immutable
//	  "updatedAt":  "2026-01-10T07:36:29.120Z",
//	  "deletedAt":  null,             // set for tombstones
//	  "syncStatus": "pending"
//	}
//
// # Payloads
//
// Records double as queue payloads. Record is a closed sum type: only the
// four record structs in this package implement it, so code that receives a
// Record can switch on the concrete type without guarding against unknown
// shapes. Raw JSON payloads coming from outside the process are checked with
// ValidatePayloadJSON (JSON Schema) before DecodeRecord turns them into a
// Record.
//
// # Timestamps
//
// UpdatedAt is kept at millisecond precision, which is the resolution the
// cloud stores. Touch never moves UpdatedAt backwards, so a local edit always
// sorts after the version it replaced.
//
// # Tombstones
//
// Deletes made by the user are soft deletes: MarkDeleted sets DeletedAt and
// bumps UpdatedAt. The record stays in the local store and is synchronized
// like any other update so that other devices observe the deletion.
package schema
