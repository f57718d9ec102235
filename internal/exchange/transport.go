package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxRetries = 3

// ErrorDecoder extracts the exchange error code and message from a failed response.
type ErrorDecoder func(resp *resty.Response) (code, message string)

// Transport executes rate-limited REST requests for one exchange client.
type Transport struct {
	Client  *resty.Client
	Limiter *rate.Limiter
	Logger  *zap.Logger
	Name    Name
	Decode  ErrorDecoder

	// Backoff returns the wait before retry attempt i. Nil means exponential
	// 1s, 2s, 4s.
	Backoff func(i int) time.Duration
}

// NewTransport builds a transport against baseURL.
func NewTransport(name Name, baseURL string, timeout time.Duration, limit float64, burst int, logger *zap.Logger, decode ErrorDecoder) *Transport {
	client := resty.New().SetBaseURL(baseURL)
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Limit(limit)
	if limit <= 0 {
		lim = rate.Inf
	}
	return &Transport{
		Client:  client,
		Limiter: rate.NewLimiter(lim, burst),
		Logger:  logger,
		Name:    name,
		Decode:  decode,
	}
}

// Do executes req. Idempotent requests are retried on rate limiting, server
// errors and network faults; everything else gets exactly one attempt.
func (t *Transport) Do(ctx context.Context, op, method, url string, req *resty.Request, idempotent bool) (*resty.Response, error) {
	attempts := 1
	if idempotent {
		attempts = maxRetries
	}
	// both exchanges answer JSON, whatever Content-Type they send
	req.SetContext(ctx).ForceContentType("application/json")

	var resp *resty.Response
	var err error
	for i := 0; i < attempts; i++ {
		// Wait for the rate limiter
		if werr := t.Limiter.Wait(ctx); werr != nil {
			return nil, t.remoteErr(op, nil, fmt.Errorf("rate limiter wait failed: %w", werr))
		}

		t.Logger.Debug("Executing request", zap.String("method", method), zap.String("url", t.Client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 {
				shouldRetry = true
				if seconds, perr := strconv.Atoi(resp.Header().Get("Retry-After")); perr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, t.remoteErr(op, nil, err)
			}
			shouldRetry = true
		}

		if !shouldRetry || i == attempts-1 {
			break
		}

		if retryAfter == 0 {
			retryAfter = t.wait(i)
		}

		t.Logger.Warn("Request failed, retrying...",
			zap.String("operation", op),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, t.remoteErr(op, nil, ctx.Err())
		}
	}

	if err != nil {
		return nil, t.remoteErr(op, nil, err)
	}
	return nil, t.remoteErr(op, resp, nil)
}

func (t *Transport) wait(i int) time.Duration {
	if t.Backoff != nil {
		return t.Backoff(i)
	}
	return time.Duration(math.Pow(2, float64(i))) * time.Second
}

func (t *Transport) remoteErr(op string, resp *resty.Response, err error) *RemoteError {
	re := &RemoteError{Exchange: t.Name, Operation: op, Err: err}
	if resp != nil {
		re.Status = resp.StatusCode()
		if t.Decode != nil {
			re.Code, re.Message = t.Decode(resp)
		}
		if re.Message == "" {
			re.Message = resp.String()
		}
	}
	return re
}

// Rejected builds a RemoteError for a 2xx response whose body reports failure.
func (t *Transport) Rejected(op, code, message string) *RemoteError {
	return &RemoteError{Exchange: t.Name, Operation: op, Code: code, Message: message}
}
