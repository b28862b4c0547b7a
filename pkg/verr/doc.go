/*
Package verr defines the error taxonomy shared by every VeriSimDB component.

Errors are grouped into five kinds (parse, type, runtime, modality,
federation) with machine-readable codes, an optional span or entity id, a
one-line hint and a recoverable flag. Retry of recoverable errors uses
exponential backoff with jitter; proof failures are never retried.
*/
package verr
