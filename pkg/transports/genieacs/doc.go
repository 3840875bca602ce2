// Package genieacs provides an engine transport over the GenieACS
// northbound interface (NBI).
//
// Every engine call becomes one NBI task posted with a connection request:
//
//   - ReadBatch posts getParameterValues, then reads the refreshed values
//     from the projected device document.
//   - WriteBatch posts setParameterValues. HTTP 200 means the task ran on the
//     device and confirms every write; HTTP 202 means the task was queued and
//     every write is reported as unconfirmed.
//   - DiscoverInstances posts refreshObject and lists the numeric children of
//     the object in the device document.
//
// Temporary failures (network errors, 5xx, 429) are retried with exponential
// backoff. Anything else that prevents a batch from completing is reported
// as a session fault.
package genieacs
