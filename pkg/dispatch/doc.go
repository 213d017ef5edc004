/*
Package dispatch runs the conversion worker pool, the scheduler core of
strata.

W long-lived workers each loop: claim one dataset by compare-and-set on
its status, run the work (a sensor-typed converter subprocess, a remote
fetch, or an archive expansion), and publish the outcome with another
compare-and-set. When nothing is claimable a worker sleeps on a bounded
exponential backoff (2s initial, 30s cap).

The claim is the only mutual exclusion: two workers racing for the same
dataset both attempt "conversion queued" → "converting", and the catalog
guarantees at most one succeeds. The loser simply moves on.

Converters are opaque subprocesses selected from a registry keyed by
sensor kind. Each carries a timeout; stdout/stderr stream to a per-job
log file and a bounded stderr tail becomes the recorded error message on
failure. Failed attempts requeue until the per-dataset attempts counter
exhausts the budget, then the dataset lands in "conversion failed".

A reconciler loop sweeps the working states for claims older than the
staleness threshold (which exceeds every converter timeout) and returns
them to their queues, rescuing jobs whose worker died mid-run.

Cancellation is cooperative: an external request raises cancel_requested
on the dataset, and the running worker re-reads the flag between steps
and on a short poll while the subprocess runs, then kills the process,
cleans the output directory, and records "cancelled".
*/
package dispatch
