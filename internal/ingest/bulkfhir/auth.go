package bulkfhir

import "context"

// Authenticator supplies the Authorization header value for outbound FHIR
// requests, whether backed by a SMART assertion signer or a pre-issued
// bearer token supplied by the caller.
type Authenticator interface {
	AuthHeader(ctx context.Context) (string, error)
}

// StaticBearer is an Authenticator for callers that already hold a bearer
// token (e.g. resume with a caller-supplied token, per §4.5 Resume).
type StaticBearer string

func (b StaticBearer) AuthHeader(ctx context.Context) (string, error) {
	if b == "" {
		return "", nil
	}
	return "Bearer " + string(b), nil
}
