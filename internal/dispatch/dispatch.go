// Package dispatch drives a single client request through account
// selection, credential acquisition, upstream HTTP, and response
// translation, retrying and failing over according to SPEC_FULL.md §4.4.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/badri-s2001/antigravity-gateway/internal/accountpool"
	"github.com/badri-s2001/antigravity-gateway/internal/anthropic"
	"github.com/badri-s2001/antigravity-gateway/internal/credbroker"
	"github.com/badri-s2001/antigravity-gateway/internal/poolconfig"
	"github.com/badri-s2001/antigravity-gateway/internal/ratelimit"
	"github.com/badri-s2001/antigravity-gateway/internal/sigcache"
	"github.com/badri-s2001/antigravity-gateway/internal/translate"
)

var dispatchLog = log.WithField("component", "dispatch")

// endpointBackoff is the pause between a 5xx/network failure and the next
// endpoint or account attempt (§5 suspension points (c), (d)).
const endpointBackoff = time.Second

// Pool is the subset of accountpool.Pool the dispatcher drives.
type Pool interface {
	PickSticky(model string) (*accountpool.Account, int64)
	PickNext(model string) *accountpool.Account
	MarkRateLimited(email string, reset time.Time, model string)
	MarkInvalid(email, reason string)
	IsAllRateLimited(model string) bool
	GetMinWaitTimeMs(model string) int64
	AccountCount() int
}

// Broker is the subset of credbroker.Broker the dispatcher drives.
type Broker interface {
	GetTokenForAccount(ctx context.Context, acc *accountpool.Account) (string, error)
	GetProjectForAccount(ctx context.Context, acc *accountpool.Account, token string) (string, error)
	InvalidateAccount(email string)
}

// Dispatcher owns the retry/failover harness shared by Send and SendStream.
type Dispatcher struct {
	pool     Pool
	broker   Broker
	sig      *sigcache.Cache
	settings poolconfig.Settings
	client   *http.Client
}

// New constructs a Dispatcher.
func New(pool Pool, broker Broker, sig *sigcache.Cache, settings poolconfig.Settings) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		broker:   broker,
		sig:      sig,
		settings: settings,
		client:   &http.Client{},
	}
}

// isThinkingModel reports whether req requires the streaming upstream
// endpoint even for a non-streaming client call (§4.4: "thinking models
// always stream").
func isThinkingModel(req *anthropic.Request) bool {
	return req.ThinkingBudget != 0
}

// Send performs a non-streaming request, internally using the streaming
// endpoint and accumulating chunks when req targets a thinking model.
func (d *Dispatcher) Send(ctx context.Context, req *anthropic.Request) (*anthropic.Response, error) {
	return d.sendWithFallback(ctx, req, true)
}

func (d *Dispatcher) sendWithFallback(ctx context.Context, req *anthropic.Request, allowFallback bool) (*anthropic.Response, error) {
	if d.pool.AccountCount() == 0 {
		return nil, noAccounts()
	}

	maxAttempts := d.settings.MaxRetries
	if n := d.pool.AccountCount() + 1; n > maxAttempts {
		maxAttempts = n
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acc, waitErr := d.awaitAccount(ctx, req.Model)
		if waitErr != nil {
			if allowFallback {
				if fb, resp, ferr := d.tryFallback(ctx, req); fb {
					return resp, ferr
				}
			}
			return nil, waitErr
		}

		resp, status, err := d.attemptOnce(ctx, acc, req, isThinkingModel(req))
		switch status {
		case attemptSuccess:
			return resp, nil
		case attemptFatal:
			return nil, err
		case attemptExhaustedEndpoints:
			lastErr = err
			continue
		case attemptSoftFailure:
			lastErr = err
			continue
		}
	}

	if lastErr == nil {
		lastErr = fatalUpstream("exhausted retry attempts", 502)
	}
	return nil, lastErr
}

// awaitAccount checks the all-rate-limited condition before consulting
// pickSticky, since pickSticky's own step 5 (SPEC_FULL.md §4.1) may hand
// back an account that is itself still cooling down once every account is
// exhausted. Checking IsAllRateLimited first lets the short-wait and
// RESOURCE_EXHAUSTED decisions happen without ever dispatching a request
// that is certain to 429.
func (d *Dispatcher) awaitAccount(ctx context.Context, model string) (*accountpool.Account, error) {
	for {
		if model != "" && d.pool.IsAllRateLimited(model) {
			minWait := d.pool.GetMinWaitTimeMs(model)
			if minWait >= 0 && time.Duration(minWait)*time.Millisecond <= d.settings.MaxWaitBeforeError {
				if err := sleepCtx(ctx, time.Duration(minWait)*time.Millisecond); err != nil {
					return nil, err
				}
				continue
			}
			reset := time.Now().Add(time.Duration(minWait) * time.Millisecond)
			return nil, resourceExhausted(fmt.Sprintf("all accounts rate-limited for model %q until %s", model, reset.Format(time.RFC3339)))
		}

		acc, waitMs := d.pool.PickSticky(model)
		if acc != nil {
			return acc, nil
		}
		if waitMs > 0 {
			if err := sleepCtx(ctx, time.Duration(waitMs)*time.Millisecond); err != nil {
				return nil, err
			}
			continue
		}

		// pickSticky returned neither an account nor a wait: the pool is
		// empty, or every account is invalid rather than rate-limited.
		next := d.pool.PickNext(model)
		if next == nil {
			return nil, noAccounts()
		}
		return next, nil
	}
}

// tryFallback recurses once into the configured fallback model for
// req.Model, with fallback disabled on the recursive call.
func (d *Dispatcher) tryFallback(ctx context.Context, req *anthropic.Request) (bool, *anthropic.Response, error) {
	fallbackModel, ok := d.settings.FallbackModels[req.Model]
	if !ok || fallbackModel == "" {
		return false, nil, nil
	}
	fallbackReq := *req
	fallbackReq.Model = fallbackModel
	dispatchLog.WithFields(log.Fields{"from": req.Model, "to": fallbackModel}).Info("falling back to alternate model")
	resp, err := d.sendWithFallback(ctx, &fallbackReq, false)
	return true, resp, err
}

type attemptStatus int

const (
	attemptSuccess attemptStatus = iota
	attemptFatal
	attemptSoftFailure         // 5xx/network across endpoints: advance account
	attemptExhaustedEndpoints  // 429 across every endpoint: mark rate-limited, advance account
)

// attemptOnce drives one account through the ordered endpoint list for a
// non-streaming (possibly thinking-forced-SSE) call.
func (d *Dispatcher) attemptOnce(ctx context.Context, acc *accountpool.Account, req *anthropic.Request, forceSSE bool) (*anthropic.Response, attemptStatus, error) {
	token, project, err := d.resolveCredentials(ctx, acc)
	if err != nil {
		if aerr, ok := err.(*credbroker.Error); ok && aerr.Kind == credbroker.KindInvalid {
			return nil, attemptSoftFailure, authFailure(aerr.Message)
		}
		return nil, attemptSoftFailure, authFailure(err.Error())
	}

	payload, err := translate.BuildGoogleRequest(req, project, d.sig, d.settings)
	if err != nil {
		return nil, attemptFatal, fatalUpstream("failed to build upstream request: "+err.Error(), 400)
	}

	var minReset time.Time
	sawRateLimit := false

	for _, endpoint := range d.settings.CloudCodeEndpoints {
		var url string
		if forceSSE {
			url = endpoint + "/v1internal:streamGenerateContent?alt=sse"
		} else {
			url = endpoint + "/v1internal:generateContent"
		}

		httpResp, err := d.post(ctx, url, token, payload, forceSSE)
		if err != nil {
			if isCancelled(ctx) {
				return nil, attemptFatal, err
			}
			sleepCtx(ctx, endpointBackoff)
			continue
		}

		switch {
		case httpResp.status == http.StatusOK:
			defer httpResp.body.Close()
			if forceSSE {
				resp, serr := d.accumulateSSE(httpResp.body, req.Model)
				if serr != nil {
					return nil, attemptFatal, fatalUpstream(serr.Error(), 502)
				}
				return resp, attemptSuccess, nil
			}
			raw, rerr := io.ReadAll(httpResp.body)
			if rerr != nil {
				return nil, attemptFatal, fatalUpstream(rerr.Error(), 502)
			}
			return translate.GoogleResponseToAnthropic(raw, req.Model, d.sig, d.settings), attemptSuccess, nil

		case httpResp.status == http.StatusUnauthorized:
			httpResp.body.Close()
			d.broker.InvalidateAccount(acc.Email)
			continue

		case httpResp.status == http.StatusTooManyRequests:
			body, _ := io.ReadAll(httpResp.body)
			httpResp.body.Close()
			sawRateLimit = true
			if delay, ok := ratelimit.ParseResetDelay(httpResp.header, body); ok {
				reset := time.Now().Add(delay)
				if minReset.IsZero() || reset.Before(minReset) {
					minReset = reset
				}
			}
			continue

		case httpResp.status >= 500:
			httpResp.body.Close()
			sleepCtx(ctx, endpointBackoff)
			continue

		default:
			body, _ := io.ReadAll(httpResp.body)
			httpResp.body.Close()
			return nil, attemptFatal, fatalUpstream(fmt.Sprintf("upstream returned %d: %s", httpResp.status, string(body)), httpResp.status)
		}
	}

	if sawRateLimit {
		msg := "rate limited on all endpoints"
		if !minReset.IsZero() {
			msg = fmt.Sprintf("rate limited on all endpoints until %s", minReset.Format(time.RFC3339))
		}
		d.pool.MarkRateLimited(acc.Email, minReset, req.Model)
		return nil, attemptExhaustedEndpoints, resourceExhausted(msg)
	}
	return nil, attemptSoftFailure, fatalUpstream("all endpoints failed", 502)
}

func (d *Dispatcher) resolveCredentials(ctx context.Context, acc *accountpool.Account) (token, project string, err error) {
	token, err = d.broker.GetTokenForAccount(ctx, acc)
	if err != nil {
		return "", "", err
	}
	project, err = d.broker.GetProjectForAccount(ctx, acc, token)
	if err != nil {
		return "", "", err
	}
	return token, project, nil
}

type httpResponse struct {
	status int
	header http.Header
	body   io.ReadCloser
}

func (d *Dispatcher) post(ctx context.Context, url, token string, payload []byte, streaming bool) (*httpResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	applyClientHeaders(httpReq, token, streaming)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &httpResponse{status: resp.StatusCode, header: resp.Header, body: resp.Body}, nil
}

// accumulateSSE drains a streaming response to completion and returns the
// final assembled Anthropic response, used for thinking models even when
// the client asked for non-streaming output.
func (d *Dispatcher) accumulateSSE(body io.Reader, model string) (*anthropic.Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var chunks [][]byte
	for scanner.Scan() {
		line := scanner.Bytes()
		payload := sseDataPayload(line)
		if payload == nil {
			continue
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		chunks = append(chunks, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return translate.AccumulateStreamChunks(chunks, model, d.sig, d.settings), nil
}

// SendStream performs a streaming request, yielding translated Anthropic SSE
// events to emit as they arrive. The returned channel is closed when the
// stream ends or the context is cancelled; errCh carries at most one error.
func (d *Dispatcher) SendStream(ctx context.Context, req *anthropic.Request) (<-chan anthropic.SSEEvent, <-chan error) {
	events := make(chan anthropic.SSEEvent, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(events)
		err := d.runStream(ctx, req, events)
		if err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	return events, errCh
}

func (d *Dispatcher) runStream(ctx context.Context, req *anthropic.Request, out chan<- anthropic.SSEEvent) error {
	if d.pool.AccountCount() == 0 {
		return noAccounts()
	}

	maxAttempts := d.settings.MaxRetries
	if n := d.pool.AccountCount() + 1; n > maxAttempts {
		maxAttempts = n
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acc, err := d.awaitAccount(ctx, req.Model)
		if err != nil {
			return err
		}

		status, streamErr := d.streamOnce(ctx, acc, req, out)
		switch status {
		case attemptSuccess:
			return nil
		case attemptFatal:
			return streamErr
		case attemptExhaustedEndpoints:
			lastErr = streamErr
			continue
		case attemptSoftFailure:
			lastErr = streamErr
			continue
		}
	}
	if lastErr == nil {
		lastErr = fatalUpstream("exhausted retry attempts", 502)
	}
	return lastErr
}

// streamOnce drives one account through the endpoint list, forwarding
// translated events to out as each SSE chunk arrives. If the client
// disconnects (ctx cancelled), the upstream HTTP call is aborted and no
// further events are yielded.
func (d *Dispatcher) streamOnce(ctx context.Context, acc *accountpool.Account, req *anthropic.Request, out chan<- anthropic.SSEEvent) (attemptStatus, error) {
	token, project, err := d.resolveCredentials(ctx, acc)
	if err != nil {
		return attemptSoftFailure, authFailure(err.Error())
	}

	payload, err := translate.BuildGoogleRequest(req, project, d.sig, d.settings)
	if err != nil {
		return attemptFatal, fatalUpstream("failed to build upstream request: "+err.Error(), 400)
	}

	sawRateLimit := false
	var minReset time.Time
	for _, endpoint := range d.settings.CloudCodeEndpoints {
		url := endpoint + "/v1internal:streamGenerateContent?alt=sse"
		httpResp, err := d.post(ctx, url, token, payload, true)
		if err != nil {
			if isCancelled(ctx) {
				return attemptFatal, err
			}
			sleepCtx(ctx, endpointBackoff)
			continue
		}

		switch {
		case httpResp.status == http.StatusOK:
			state := translate.NewStreamState(req.Model, d.sig, d.settings)
			perr := d.pumpSSE(ctx, httpResp.body, state, out)
			httpResp.body.Close()
			if perr != nil {
				return attemptFatal, perr
			}
			return attemptSuccess, nil

		case httpResp.status == http.StatusUnauthorized:
			httpResp.body.Close()
			d.broker.InvalidateAccount(acc.Email)
			continue

		case httpResp.status == http.StatusTooManyRequests:
			body, _ := io.ReadAll(httpResp.body)
			httpResp.body.Close()
			sawRateLimit = true
			if delay, ok := ratelimit.ParseResetDelay(httpResp.header, body); ok {
				reset := time.Now().Add(delay)
				if minReset.IsZero() || reset.Before(minReset) {
					minReset = reset
				}
			}
			continue

		case httpResp.status >= 500:
			httpResp.body.Close()
			sleepCtx(ctx, endpointBackoff)
			continue

		default:
			body, _ := io.ReadAll(httpResp.body)
			httpResp.body.Close()
			return attemptFatal, fatalUpstream(fmt.Sprintf("upstream returned %d: %s", httpResp.status, string(body)), httpResp.status)
		}
	}

	if sawRateLimit {
		msg := "rate limited on all endpoints"
		if !minReset.IsZero() {
			msg = fmt.Sprintf("rate limited on all endpoints until %s", minReset.Format(time.RFC3339))
		}
		d.pool.MarkRateLimited(acc.Email, minReset, req.Model)
		return attemptExhaustedEndpoints, resourceExhausted(msg)
	}
	return attemptSoftFailure, fatalUpstream("all endpoints failed", 502)
}

// pumpSSE reads chunks off body and forwards translated events to out,
// strictly in arrival order, stopping immediately if ctx is cancelled.
func (d *Dispatcher) pumpSSE(ctx context.Context, body io.Reader, state *translate.StreamState, out chan<- anthropic.SSEEvent) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if isCancelled(ctx) {
			return ctx.Err()
		}
		payload := sseDataPayload(scanner.Bytes())
		if payload == nil {
			continue
		}
		for _, ev := range state.Feed(payload) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, ev := range state.Finish() {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isCancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// sleepCtx sleeps for d or returns early with ctx's error if it is cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchModels drives one account through the ordered endpoint list calling
// :fetchAvailableModels, returning the first successful raw JSON body. Used
// by GET /v1/models (§6); this is a read-only call so it does not run
// through the full retry/failover harness used for generation requests.
func (d *Dispatcher) FetchModels(ctx context.Context) ([]byte, error) {
	acc, err := d.awaitAccount(ctx, "")
	if err != nil {
		return nil, err
	}
	token, _, err := d.resolveCredentials(ctx, acc)
	if err != nil {
		return nil, authFailure(err.Error())
	}

	for _, endpoint := range d.settings.CloudCodeEndpoints {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:fetchAvailableModels", bytes.NewReader([]byte(`{}`)))
		if err != nil {
			continue
		}
		applyClientHeaders(httpReq, token, false)
		resp, err := d.client.Do(httpReq)
		if err != nil {
			sleepCtx(ctx, endpointBackoff)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return body, nil
		}
		if resp.StatusCode == http.StatusUnauthorized {
			d.broker.InvalidateAccount(acc.Email)
		}
	}
	return nil, fatalUpstream("fetchAvailableModels failed on every endpoint", 502)
}
