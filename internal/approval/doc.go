// Package approval implements the secret change approval workflow: request
// submission, per-proposal and per-request voting, quorum evaluation and the
// merge of approved proposals into the live secret store.
//
// Every mutation of a request is serialized per request id in-process and
// committed with a revision-checked write, so concurrent votes from other
// processes are retried against a fresh copy. Statuses are always re-derived
// from the complete vote set.
package approval
