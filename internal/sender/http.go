package sender

import (
	"io"
	"net/http"
	"time"
)

const maxResponseBytes = 1024

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// do sends req and classifies the response. The body is drained up to
// maxResponseBytes so the connection can be reused.
func do(client *http.Client, req *http.Request) Outcome {
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		o := Retryable(classifyError(err), err.Error())
		o.Duration = time.Since(start)
		return o
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*maxResponseBytes))

	o := Outcome{
		Kind:       ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Response:   string(body),
		Duration:   time.Since(start),
	}
	if o.Kind == KindSuccess {
		o.Reason = "ok"
	} else {
		o.Reason = statusReason(resp.StatusCode)
		o.Detail = truncate(string(body), 200)
	}
	return o
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
