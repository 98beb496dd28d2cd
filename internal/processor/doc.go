// Package processor turns queued items into indexed vectors.
//
// Each batch is claimed with a fresh token, then every item goes through
// fetch, chunk, embed and index on a bounded worker pool before it is
// marked COMPLETED. A failing item is marked FAILED with a classified
// last_error ("[transient] ..." or "[permanent] ...") and the batch carries
// on.
//
// Items claimed by a process that dies stay PROCESSING until the healer's
// reset-stale returns them to PENDING. If the dead worker comes back and
// tries to record an outcome for such an item, the store rejects it with
// storage.ErrClaimLost, which the processor counts and ignores.
package processor
