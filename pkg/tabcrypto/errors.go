package tabcrypto

import "errors"

var (
	ErrInvalidKey       = errors.New("tabcrypto: invalid key material")
	ErrDecryptionFailed = errors.New("tabcrypto: payload authentication failed")
	ErrMalformedPayload = errors.New("tabcrypto: malformed payload")
)
