/*
Package api is the HTTP surface of strata: authentication endpoints under
/api/auth, ingestion and job endpoints under /api/upload, and the dataset
query surface under /api/v1.

Requests authenticate with a bearer token (cookie fallback for browser
contexts); the middleware validates the token and attaches the resolved
user to the request context. Handlers stay thin: they decode input, call
the ingest router, upload manager, or token service, and convert pipeline
errors to the HTTP error shape in one place (writeError).
*/
package api
