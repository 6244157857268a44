package httpclient

import (
	"errors"
	"fmt"
	"io"
)

// MaxAPIResponseBytes bounds the JSON bodies the model APIs return. Image
// artifact downloads are streamed separately and are not subject to it.
const MaxAPIResponseBytes = 8 << 20

// ResponseTooLargeError reports an API response body over MaxAPIResponseBytes.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether the error indicates a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAPIResponse reads a model API response body. A body over the limit is
// an error rather than a silent truncation, since a cut-off JSON payload
// would fail to decode with a much less useful message.
func ReadAPIResponse(r io.Reader) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: MaxAPIResponseBytes + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxAPIResponseBytes {
		return nil, ResponseTooLargeError{Limit: MaxAPIResponseBytes}
	}
	return data, nil
}
