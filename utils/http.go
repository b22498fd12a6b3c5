package utils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func GetAuthorizationToken(h http.Header) string {
	auth := h.Get("Authorization")
	splitResult := strings.Split(auth, " ")
	if len(splitResult) > 1 {
		return splitResult[1]
	}
	return ""
}

// HttpCommonWithContext sends a request and returns the status and body of the response.
// Content-Type defaults to application/json.
// A non 2xx status is returned as an error along with the error message of the response.
func HttpCommonWithContext(ctx context.Context, client *http.Client, method, url string, header map[string][]string, reader io.Reader) (int, []byte, error) {
	if header == nil {
		header = make(map[string][]string)
	}
	if _, ok := header["Content-Type"]; !ok {
		header["Content-Type"] = []string{"application/json"}
	}
	header["User-Agent"] = []string{"Seafile Events"}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	req.Header = header

	rsp, err := client.Do(req)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		errMsg := parseErrorMessage(rsp.Body)
		return rsp.StatusCode, errMsg, fmt.Errorf("bad response %d for %s", rsp.StatusCode, url)
	}

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return rsp.StatusCode, nil, err
	}

	return rsp.StatusCode, body, nil
}

func parseErrorMessage(r io.Reader) []byte {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	var objs map[string]string
	err = json.Unmarshal(body, &objs)
	if err != nil {
		return body
	}
	errMsg, ok := objs["error_msg"]
	if ok {
		return []byte(errMsg)
	}

	return body
}
