package appointment_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/notify"
	"github.com/hackgods/clinic-scheduling/internal/retry"
)

const (
	testDate = "2026-10-20"
	nextDate = "2026-10-21"
)

// testNow is the day before testDate, so every slot on testDate is in the future.
var testNow = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func mustDay(s string) time.Time {
	d, err := time.ParseInLocation(appointment.DateLayout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return d
}

func weekdayOf(s string) *time.Weekday {
	wd := mustDay(s).Weekday()
	return &wd
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type fixture struct {
	repo     *appointment.MemoryRepository
	resolver *appointment.Resolver
	svc      *appointment.Service
	bus      *notify.Broadcaster
	clock    *clock
	provider appointment.Provider
}

type fixtureOpts struct {
	repo            appointment.Repository
	cache           appointment.AvailabilityCache
	idem            appointment.IdempotencyStore
	resolverOptions []appointment.ResolverOption
	serviceOptions  []appointment.ServiceOption
}

// newFixture builds a clinic with one provider working 09:00-12:00 in
// 60 minute slots on testDate's weekday, maxBookings seats per slot.
func newFixture(t *testing.T, maxBookings int, opts ...func(*fixtureOpts)) *fixture {
	t.Helper()

	mem := appointment.NewMemoryRepository()
	provider := appointment.Provider{ID: uuid.New(), Name: "Dr. Ada Osei", Title: "MD", Specialization: "Dermatology", Active: true}
	mem.AddProvider(provider)
	mem.AddTemplate(appointment.WorkingHoursTemplate{
		ProviderID:  provider.ID,
		Weekday:     weekdayOf(testDate),
		StartMinute: 9 * 60,
		EndMinute:   12 * 60,
		SlotMinutes: 60,
		MaxBookings: maxBookings,
	})

	fo := fixtureOpts{repo: mem}
	for _, o := range opts {
		o(&fo)
	}

	clk := &clock{now: testNow}
	exec := retry.NewExecutor(zerolog.Nop(), retry.WithSleeper(noSleep))
	bus := notify.NewBroadcaster(zerolog.Nop())

	resolverOpts := append([]appointment.ResolverOption{appointment.WithResolverClock(clk.Now)}, fo.resolverOptions...)
	if fo.cache != nil {
		resolverOpts = append(resolverOpts, appointment.WithCache(fo.cache))
	}
	resolver := appointment.NewResolver(fo.repo, exec, time.UTC, zerolog.Nop(), resolverOpts...)

	svcOpts := []appointment.ServiceOption{
		appointment.WithClock(clk.Now),
		appointment.WithNotifier(bus),
		appointment.WithMutationTimeout(time.Second),
	}
	if fo.cache != nil {
		svcOpts = append(svcOpts, appointment.WithCacheInvalidation(fo.cache))
	}
	if fo.idem != nil {
		svcOpts = append(svcOpts, appointment.WithIdempotency(fo.idem))
	}
	svcOpts = append(svcOpts, fo.serviceOptions...)
	svc := appointment.NewService(fo.repo, resolver, exec, zerolog.Nop(), svcOpts...)

	return &fixture{
		repo:     mem,
		resolver: resolver,
		svc:      svc,
		bus:      bus,
		clock:    clk,
		provider: provider,
	}
}

func (f *fixture) request(date, clock string) appointment.BookingRequest {
	return appointment.BookingRequest{
		PatientName:   "Grace Mensah",
		PatientEmail:  "grace@example.com",
		ServiceType:   "consultation",
		ProviderID:    &f.provider.ID,
		PreferredDate: date,
		PreferredTime: clock,
	}
}

func findSlot(slots []appointment.TimeSlot, providerID uuid.UUID, date, start string) (appointment.TimeSlot, bool) {
	for _, s := range slots {
		if s.ProviderID == providerID && s.Date == date && s.StartTime == start {
			return s, true
		}
	}
	return appointment.TimeSlot{}, false
}

// mapCache mimics the generation-keyed Redis cache.
type mapCache struct {
	mu            sync.Mutex
	gen           int
	data          map[string][]byte
	invalidations int
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	version := fmt.Sprintf("v%d:%s", c.gen, key)
	v, ok := c.data[version]
	return v, version, ok, nil
}

func (c *mapCache) Set(_ context.Context, version string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[version] = value
	return nil
}

func (c *mapCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.invalidations++
	return nil
}

// memIdempotency mirrors the Redis idempotency store.
type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{keys: make(map[string]string)}
}

func (m *memIdempotency) Reserve(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.keys[key]; ok {
		return v, false, nil
	}
	m.keys[key] = "pending"
	return "", true, nil
}

func (m *memIdempotency) Complete(_ context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = id
	return nil
}

func (m *memIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] == "pending" {
		delete(m.keys, key)
	}
	return nil
}
