// Package recovery implements the recovery process: supervision states,
// recovery jobs and the barriers callers wait on before addressing a
// recovered entity again.
//
// Jobs are keyed by (entity, incarnation being recovered). While a job is
// pending for an entity, further failure reports and submissions return the
// same job. A job never retries on its own; after FAILED, an operator submits
// a new one.
package recovery
