package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httputil"
)

const PREFIX = "---HTTP-RESPONSE---\n"

// Serialize consumes the response body and encodes the snapshot as an HTTP/1.1 message.
func Serialize(resp *Response) ([]byte, error) {
	httpResp, err := resp.HTTP(nil)
	if err != nil {
		return nil, err
	}

	b, err := httputil.DumpResponse(httpResp, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

func Deserialize(b []byte) (*Response, error) {
	if len(b) < len(PREFIX) || string(b[:len(PREFIX)]) != PREFIX {
		return nil, fmt.Errorf("invalid prefix: expected '%s'", PREFIX)
	}

	httpResp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	resp, err := FromHTTP(httpResp)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	resp.Source = SourceCache
	return resp, nil
}
