/*
Package storage provides the durable catalog for strata: user profiles,
dataset records, and chunked-upload sessions, backed by BoltDB.

The catalog is the coordination substrate for the whole service. Workers
and request handlers never share memory; they observe and mutate dataset
state exclusively through this package, and every status write is a
compare-and-set that fails with types.ErrStaleState when the stored value
has moved underneath the caller.

# Layout

One bucket per collection, JSON-encoded values keyed by primary id:

	user_profiles         email -> UserProfile
	user_profiles_by_id   user_id -> email
	datasets              uuid -> Dataset
	upload_sessions       session_id -> UploadSession

Secondary indexes for the three alternative dataset identifiers, each
mapping back to the uuid:

	dataset_slugs         slug -> uuid
	dataset_numeric_ids   big-endian numeric id -> uuid
	dataset_owner_names   owner_email \x00 name -> uuid

The counters bucket holds the monotonic source for numeric-id minting.

# Concurrency

BoltDB serializes writers: a db.Update transaction sees a stable snapshot
and commits atomically. CompareAndSetStatus and ClaimNextByStatus exploit
this to implement the claim protocol — two workers racing for the same
dataset cannot both observe status "conversion queued", so at most one
claim succeeds.

# Errors

Lookups that miss wrap types.ErrNotFound. Lost compare-and-set races wrap
types.ErrStaleState. Everything else surfaces as an opaque storage error,
treated by callers as storage-unavailable.
*/
package storage
