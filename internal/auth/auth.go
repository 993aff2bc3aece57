// Package auth resolves the caller of an S3 request. The deployment default
// only extracts the access key and looks the user up; full AWS SigV4
// verification is available behind the "signature" mode.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	s3err "github.com/baotiao/zeppelin-gateway/internal/errors"
	"github.com/baotiao/zeppelin-gateway/internal/store"
)

// Mode selects how much of the request the gateway verifies.
type Mode int

const (
	// NoAuth passes every request through; unknown callers act as the
	// anonymous user.
	NoAuth Mode = iota
	// AccessKeyOnly extracts the access key and resolves the user without
	// checking the signature.
	AccessKeyOnly
	// AccessKeyAndSignature additionally verifies the AWS SigV4 signature
	// with the matched secret key.
	AccessKeyAndSignature
)

// AnonymousUser is the display name requests resolve to under NoAuth when
// no known access key is present.
const AnonymousUser = "anonymous"

// ParseMode maps the auth.mode config value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "none":
		return NoAuth, nil
	case "access-key", "":
		return AccessKeyOnly, nil
	case "signature":
		return AccessKeyAndSignature, nil
	}
	return 0, fmt.Errorf("unknown auth mode %q", s)
}

// accessKeyLen is how much of the X-Amz-Credential query value names the
// access key; the rest is the credential scope.
const accessKeyLen = 20

// ExtractAccessKey pulls the caller's access key out of r: the first 20
// characters of the X-Amz-Credential query parameter when present,
// otherwise the Credential= field of the Authorization header up to the
// next slash. Returns "" when neither carries a key.
func ExtractAccessKey(r *http.Request) string {
	if cred := r.URL.Query().Get("X-Amz-Credential"); cred != "" {
		if len(cred) > accessKeyLen {
			return cred[:accessKeyLen]
		}
		return cred
	}
	_, rest, ok := strings.Cut(r.Header.Get("Authorization"), "Credential=")
	if !ok {
		return ""
	}
	key, _, _ := strings.Cut(rest, "/")
	return key
}

// Authenticator gates the S3 surface according to its mode.
type Authenticator struct {
	mode Mode
}

// New returns an Authenticator for the given mode.
func New(mode Mode) *Authenticator {
	return &Authenticator{mode: mode}
}

// Authenticate resolves the caller of r through the worker's session s.
// It returns the user on success; on failure it returns the S3 error the
// router must render (403 for unknown keys or bad signatures, 500 when the
// backend lookup itself failed).
func (a *Authenticator) Authenticate(ctx context.Context, s store.Store, r *http.Request) (*store.User, *s3err.S3Error) {
	accessKey := ExtractAccessKey(r)

	user, err := s.GetUser(ctx, accessKey)
	if a.mode == NoAuth {
		if err != nil {
			return &store.User{DisplayName: AnonymousUser}, nil
		}
		return user, nil
	}
	if err != nil {
		if store.IsNotFound(err) {
			return nil, s3err.ErrInvalidAccessKeyId
		}
		return nil, s3err.ErrInternalError
	}

	if a.mode == AccessKeyAndSignature {
		if err := VerifySignature(r, user.KeyPairs[accessKey]); err != nil {
			var ae *AuthError
			if errors.As(err, &ae) && ae.Code == "SignatureDoesNotMatch" {
				return nil, s3err.ErrSignatureDoesNotMatch
			}
			return nil, s3err.ErrAccessDenied
		}
	}
	return user, nil
}
