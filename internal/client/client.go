// Package client is the Go SDK for the scheduling API. It attaches the
// cached credential to every call, retries reads, guards mutations against
// silent duplicates and follows the live availability stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/apperr"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/credcache"
	"github.com/hackgods/clinic-scheduling/internal/retry"
)

const defaultMutationTimeout = 10 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
	creds   *credcache.Cache
	exec    *retry.Executor
	log     zerolog.Logger

	mutationTimeout time.Duration
	readPolicy      func(name string) retry.Policy
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithExecutor(e *retry.Executor) Option {
	return func(c *Client) { c.exec = e }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithMutationTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.mutationTimeout = d
		}
	}
}

// WithReadPolicy overrides the retry policy used for reads.
func WithReadPolicy(p func(name string) retry.Policy) Option {
	return func(c *Client) { c.readPolicy = p }
}

func New(baseURL string, creds *credcache.Cache, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            &http.Client{},
		creds:           creds,
		log:             zerolog.Nop(),
		mutationTimeout: defaultMutationTimeout,
		readPolicy:      retry.ReadPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.exec == nil {
		c.exec = retry.NewExecutor(c.log)
	}
	return c
}

// request is one HTTP exchange. publicRead marks calls that may be repeated
// with the anonymous credential after the user credential is rejected.
type request struct {
	op         string
	method     string
	path       string
	query      url.Values
	body       any
	headers    map[string]string
	publicRead bool
}

func (c *Client) send(ctx context.Context, req request, out any) error {
	err := c.sendOnce(ctx, req, out)
	if apperr.KindOf(err) != apperr.KindNotAuthenticated {
		return err
	}
	// The server no longer accepts the cached credential; drop it so the
	// next call goes out with the anonymous key.
	c.creds.Invalidate()
	if !req.publicRead {
		return err
	}
	c.log.Debug().Str("op", req.op).Msg("credential rejected, retrying anonymously")
	return c.sendOnce(ctx, req, out)
}

func (c *Client) sendOnce(ctx context.Context, req request, out any) error {
	var body io.Reader
	if req.body != nil {
		buf, err := json.Marshal(req.body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, req.op, err)
		}
		body = bytes.NewReader(buf)
	}

	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, req.op, err)
	}
	auth, _ := c.creds.Authorization(ctx)
	httpReq.Header.Set("Authorization", auth)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(req.op, resp, out)
}

// decodeEnvelope turns a response into either out or an *apperr.Error whose
// Kind is the server's error code.
func decodeEnvelope(op string, resp *http.Response, out any) error {
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *api.ErrorBody  `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil {
		if resp.StatusCode >= 500 {
			return apperr.Wrap(apperr.KindTransient, op, fmt.Errorf("unexpected %s response", resp.Status))
		}
		return apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("decode %s response: %w", resp.Status, err))
	}
	if !env.Success || env.Error != nil {
		if env.Error == nil {
			return apperr.New(apperr.KindInternal, op, resp.Status)
		}
		return apperr.New(apperr.Kind(env.Error.Code), op, env.Error.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func availabilityValues(q appointment.AvailabilityQuery) url.Values {
	v := url.Values{}
	v.Set("startDate", q.StartDate)
	if q.EndDate != "" {
		v.Set("endDate", q.EndDate)
	}
	if q.ProviderID != nil {
		v.Set("providerId", q.ProviderID.String())
	}
	if q.ProcedureID != nil {
		v.Set("procedureId", q.ProcedureID.String())
	}
	if q.DurationMinutes > 0 {
		v.Set("durationMinutes", strconv.Itoa(q.DurationMinutes))
	}
	return v
}

// Availability fetches bookable slots. Identical concurrent calls share one
// request.
func (c *Client) Availability(ctx context.Context, q appointment.AvailabilityQuery) (*api.AvailabilityResponse, error) {
	return retry.Shared(ctx, c.exec, "availability:"+q.Key(), c.readPolicy("client.availability"), func(ctx context.Context) (*api.AvailabilityResponse, error) {
		var out api.AvailabilityResponse
		err := c.send(ctx, request{
			op:         "availability",
			method:     http.MethodGet,
			path:       "/availability",
			query:      availabilityValues(q),
			publicRead: true,
		}, &out)
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
}

func (c *Client) Providers(ctx context.Context, procedureID *uuid.UUID) ([]api.ProviderResponse, error) {
	v := url.Values{}
	if procedureID != nil {
		v.Set("procedureId", procedureID.String())
	}
	return retry.Do(ctx, c.exec, c.readPolicy("client.providers"), func(ctx context.Context) ([]api.ProviderResponse, error) {
		var out []api.ProviderResponse
		err := c.send(ctx, request{op: "providers", method: http.MethodGet, path: "/providers", query: v, publicRead: true}, &out)
		return out, err
	})
}

func (c *Client) LookupByCode(ctx context.Context, code string) (*api.AppointmentResponse, error) {
	return retry.Do(ctx, c.exec, c.readPolicy("client.lookup"), func(ctx context.Context) (*api.AppointmentResponse, error) {
		var out api.AppointmentResponse
		err := c.send(ctx, request{
			op:         "lookup",
			method:     http.MethodGet,
			path:       "/appointments/by-code/" + url.PathEscape(strings.TrimSpace(code)),
			publicRead: true,
		}, &out)
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// Book submits a booking. When idemKey is empty a fresh key is generated, so
// the single permitted resend can never create a second appointment. A
// timeout surfaces as AmbiguousOutcome: the caller should LookupByCode or
// re-read availability before trying again.
func (c *Client) Book(ctx context.Context, req api.BookAppointmentRequest, idemKey string) (*api.BookingResponse, error) {
	if idemKey == "" {
		idemKey = uuid.NewString()
	}
	return retry.Do(ctx, c.exec, retry.MutationPolicy("client.book", c.mutationTimeout), func(ctx context.Context) (*api.BookingResponse, error) {
		var out api.BookingResponse
		err := c.send(ctx, request{
			op:      "book",
			method:  http.MethodPost,
			path:    "/appointments",
			body:    req,
			headers: map[string]string{"Idempotency-Key": idemKey},
		}, &out)
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
}

func (c *Client) Cancel(ctx context.Context, id uuid.UUID, confirmationCode string, reason *string) (*api.AppointmentResponse, error) {
	return c.mutate(ctx, "cancel", "/appointments/"+id.String()+"/cancel", api.CancelAppointmentRequest{
		Reason:           reason,
		ConfirmationCode: confirmationCode,
	})
}

func (c *Client) Reschedule(ctx context.Context, id uuid.UUID, req api.RescheduleAppointmentRequest) (*api.AppointmentResponse, error) {
	return c.mutate(ctx, "reschedule", "/appointments/"+id.String()+"/reschedule", req)
}

func (c *Client) mutate(ctx context.Context, op, path string, body any) (*api.AppointmentResponse, error) {
	return retry.Do(ctx, c.exec, retry.MutationPolicy("client."+op, c.mutationTimeout), func(ctx context.Context) (*api.AppointmentResponse, error) {
		var out api.AppointmentResponse
		if err := c.send(ctx, request{op: op, method: http.MethodPost, path: path, body: body}, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}
