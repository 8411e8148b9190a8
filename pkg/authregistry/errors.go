package authregistry

import "errors"

// ErrDuplicateClient is returned by Issue when client_id is already
// registered (the duplicate_client error code).
var ErrDuplicateClient = errors.New("authregistry: client already registered")
