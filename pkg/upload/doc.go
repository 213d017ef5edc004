/*
Package upload implements the resumable chunked-upload engine and owns
the on-disk staging layout.

A session is created at initiation with the declared size, chunk size,
and expected hashes. Chunks arrive in any order, each written atomically
into its spool slot (temp file + rename) and recorded in the catalog's
received set. Re-uploading a received chunk with identical bytes is a
no-op; different bytes are rejected, as is any chunk whose declared hash
does not match what arrived.

Completion is gated by a compare-and-set of the session state from open
to completing, so racing completers cannot assemble twice. The winner
concatenates the chunks in index order, verifies the overall SHA-256,
moves the file into the dataset area, appends the files[] entry, and
advances the dataset's status (through unzipping for archives).

Sessions carry an expiry; a sweep loop moves overdue open sessions to
expired and garbage-collects their spools. Aborting a session discards
its partial bytes immediately.
*/
package upload
