package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/apperr"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/retry"
)

// Result is one message from the live availability stream. Exactly one of
// Availability and Err is set.
type Result struct {
	Availability *api.AvailabilityResponse
	Err          error
}

// WatchAvailability opens the live stream for q. The first update is the
// current availability; later ones follow every relevant change. The channel
// is closed when ctx is done or the server ends the stream.
func (c *Client) WatchAvailability(ctx context.Context, q appointment.AvailabilityQuery) (<-chan Result, error) {
	resp, err := retry.Do(ctx, c.exec, c.readPolicy("client.watch"), func(_ context.Context) (*http.Response, error) {
		// The stream outlives the attempt, so it is bound to ctx, not the attempt context.
		return c.openStream(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	updates := make(chan Result, 1)
	go func() {
		defer close(updates)
		defer resp.Body.Close()
		c.readStream(ctx, resp, updates)
	}()
	return updates, nil
}

func (c *Client) openStream(ctx context.Context, q appointment.AvailabilityQuery) (*http.Response, error) {
	const op = "watch availability"
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/availability/stream?"+availabilityValues(q).Encode(), nil)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
		auth, anonymous := c.creds.Authorization(ctx)
		req.Header.Set("Authorization", auth)
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		err = decodeEnvelope(op, resp, nil)
		resp.Body.Close()
		if err == nil {
			err = apperr.New(apperr.KindInternal, op, fmt.Sprintf("unexpected status %s", resp.Status))
		}
		if apperr.KindOf(err) != apperr.KindNotAuthenticated || anonymous {
			return nil, err
		}
		c.creds.Invalidate()
	}
	return nil, apperr.New(apperr.KindNotAuthenticated, op, "stream rejected the anonymous credential")
}

func (c *Client) readStream(ctx context.Context, resp *http.Response, updates chan<- Result) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 8<<20)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" {
				if u, ok := parseUpdate(event, data); ok {
					select {
					case updates <- u:
					case <-ctx.Done():
						return
					}
				}
			}
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.log.Warn().Err(err).Msg("availability stream interrupted")
		select {
		case updates <- Result{Err: apperr.Wrap(apperr.KindTransient, "watch availability", err)}:
		case <-ctx.Done():
		}
	}
}

func parseUpdate(event, data string) (Result, bool) {
	switch event {
	case api.EventAvailability:
		var avail api.AvailabilityResponse
		if err := json.Unmarshal([]byte(data), &avail); err != nil {
			return Result{Err: apperr.Wrap(apperr.KindInternal, "watch availability", err)}, true
		}
		return Result{Availability: &avail}, true
	case api.EventError:
		var body api.ErrorBody
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			return Result{Err: apperr.Wrap(apperr.KindInternal, "watch availability", err)}, true
		}
		return Result{Err: apperr.New(apperr.Kind(body.Code), "watch availability", body.Message)}, true
	default:
		return Result{}, false
	}
}
