package auth

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Outcome is the result of validating a bearer credential against an
// external validator.
type Outcome int

const (
	// Valid means the credential was accepted.
	Valid Outcome = iota
	// Invalid means the credential was definitively rejected.
	Invalid
	// TransientError means the validator could not be reached or did not
	// respond in time; this is treated as an authentication failure for the
	// current connection and is never retried on that connection.
	TransientError
)

// validatorDeadline is the maximum time allowed for a single validation
// request, per the external validator protocol.
const validatorDeadline = 5 * time.Second

// Validator abstracts the external bearer-credential validation capability.
// The core protocol consumes it without any knowledge of how validation is
// actually performed.
type Validator interface {
	// Validate checks the given token and returns the outcome. It must not
	// log the token.
	Validate(ctx context.Context, token string) (Outcome, error)
}

// validateResponse is the expected JSON shape of a validator's response
// body.
type validateResponse struct {
	Valid bool `json:"valid"`
}

// HTTPValidator implements Validator by POSTing to an external HTTP
// endpoint, per the external validator protocol: a bearer Authorization
// header, a JSON body carrying the token, and a 5-second deadline. HTTP 200
// with "valid": true is Valid; HTTP 4xx or "valid": false is Invalid; HTTP
// 5xx, timeouts, DNS, or connection errors are TransientError.
type HTTPValidator struct {
	client *resty.Client
	url    string
}

// NewHTTPValidator constructs an HTTPValidator that validates tokens against
// the given URL.
func NewHTTPValidator(url string) *HTTPValidator {
	return &HTTPValidator{
		client: resty.New().SetTimeout(validatorDeadline),
		url:    url,
	}
}

// Validate implements Validator.Validate. The token is never logged; any
// error returned is safe to log since it is derived from transport or status
// information, not the credential itself.
func (v *HTTPValidator) Validate(ctx context.Context, token string) (Outcome, error) {
	var body validateResponse
	response, err := v.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		SetBody(map[string]string{"api_key": token}).
		SetResult(&body).
		Post(v.url)
	if err != nil {
		return TransientError, errors.Wrap(err, "validator request failed")
	}

	switch {
	case response.StatusCode() >= 500:
		return TransientError, errors.Errorf("validator returned status %d", response.StatusCode())
	case response.StatusCode() >= 400:
		return Invalid, nil
	case response.IsSuccess() && body.Valid:
		return Valid, nil
	default:
		return Invalid, nil
	}
}
