package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/apperr"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/client"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/credcache"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	BurstSize      int
	BookingRatio   float64
	CancelRatio    float64
	ReadRatio      float64
	Days           int
	CredentialFile string
	PublicAPIKey   string
}

// booked is an appointment the simulator created and may later cancel.
type booked struct {
	id   uuid.UUID
	code string
}

type DataPool struct {
	Slots []appointment.TimeSlot

	mu           sync.Mutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

// TakeRandomAppointment removes and returns one appointment so two workers
// never cancel the same one.
func (dp *DataPool) TakeRandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	idx := rng.Intn(len(dp.appointments))
	b := dp.appointments[idx]
	dp.appointments[idx] = dp.appointments[len(dp.appointments)-1]
	dp.appointments = dp.appointments[:len(dp.appointments)-1]
	return b, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Ambiguous int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch apperr.KindOf(err) {
	case "":
		atomic.AddInt64(&om.Success, 1)
	case apperr.KindSlotUnavailable, apperr.KindInvalidTransition:
		atomic.AddInt64(&om.Conflict, 1)
	case apperr.KindAmbiguousOutcome:
		atomic.AddInt64(&om.Ambiguous, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Burst        OperationMetrics
	Booking      OperationMetrics
	Cancel       OperationMetrics
	Availability OperationMetrics
	Lookup       OperationMetrics
	StreamEvents int64
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *client.Client
	log     zerolog.Logger
	metrics Metrics
	start   string
	end     string
}

func main() {
	cfg := loadConfig()
	log := logging.New("simulate", "dev", getEnv("LOG_LEVEL", "info"))
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Str("api", cfg.APIBaseURL).
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("burst", cfg.BurstSize).
		Msg("simulator starting")

	var store credcache.Store
	if cfg.CredentialFile != "" {
		store = credcache.NewFileStore(cfg.CredentialFile)
	}
	creds := credcache.New(store, cfg.PublicAPIKey, credcache.WithLogger(log))
	if _, anonymous := creds.Authorization(context.Background()); anonymous {
		log.Info().Msg("no stored credential, using the public key")
	}

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: client.New(cfg.APIBaseURL, creds, client.WithLogger(log)),
		log:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration+time.Minute)
	defer cancel()

	if err := sim.loadSlots(ctx); err != nil {
		log.Fatal().Err(err).Msg("load availability")
	}
	log.Info().Int("slots", len(sim.pool.Slots)).Str("from", sim.start).Str("to", sim.end).Msg("availability loaded")

	watchCtx, stopWatch := context.WithCancel(ctx)
	go sim.watch(watchCtx)

	sim.Burst(ctx)
	sim.Run(ctx)
	stopWatch()

	overbooked, err := sim.Audit(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("audit availability")
	}

	sim.PrintReport(overbooked)
	if len(overbooked) > 0 {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load base config: %v\n", err)
		os.Exit(1)
	}

	cfg := SimConfig{
		APIBaseURL:     getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:       getDuration("SIM_DURATION", 30*time.Second),
		Workers:        getInt("SIM_WORKERS", 10),
		BurstSize:      getInt("SIM_BURST_SIZE", 25),
		BookingRatio:   getFloat("SIM_BOOKING_RATIO", 0.4),
		CancelRatio:    getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:      getFloat("SIM_READ_RATIO", 0.5),
		Days:           getInt("SIM_DAYS", 5),
		CredentialFile: os.Getenv("SIM_CREDENTIAL_FILE"),
		PublicAPIKey:   baseCfg.PublicAPIKey,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Days <= 0 {
		return fmt.Errorf("SIM_DAYS must be > 0")
	}
	return nil
}

func (s *Simulator) query() appointment.AvailabilityQuery {
	return appointment.AvailabilityQuery{StartDate: s.start, EndDate: s.end}
}

func (s *Simulator) loadSlots(ctx context.Context) error {
	tomorrow := time.Now().AddDate(0, 0, 1)
	s.start = tomorrow.Format(appointment.DateLayout)
	s.end = tomorrow.AddDate(0, 0, s.config.Days-1).Format(appointment.DateLayout)

	avail, err := s.client.Availability(ctx, s.query())
	if err != nil {
		return err
	}
	for _, slot := range avail.Slots {
		if slot.Available {
			s.pool.Slots = append(s.pool.Slots, slot)
		}
	}
	if len(s.pool.Slots) == 0 {
		return errors.New("no open slots in range, run cmd/seed first")
	}
	return nil
}

func (s *Simulator) watch(ctx context.Context) {
	updates, err := s.client.WatchAvailability(ctx, s.query())
	if err != nil {
		s.log.Warn().Err(err).Msg("availability stream unavailable")
		return
	}
	for u := range updates {
		if u.Err != nil {
			s.log.Warn().Err(u.Err).Msg("availability stream error")
			continue
		}
		atomic.AddInt64(&s.metrics.StreamEvents, 1)
	}
}

func randomPatient(slot appointment.TimeSlot) api.BookAppointmentRequest {
	providerID := slot.ProviderID
	return api.BookAppointmentRequest{
		PatientName:   gofakeit.Name(),
		PatientEmail:  gofakeit.Email(),
		ServiceType:   "consultation",
		ProviderID:    &providerID,
		PreferredDate: slot.Date,
		PreferredTime: slot.StartTime,
	}
}

// Burst fires BurstSize simultaneous bookings at one slot; no more than its
// capacity may succeed.
func (s *Simulator) Burst(ctx context.Context) {
	target := s.pool.Slots[0]
	s.log.Info().
		Str("provider", target.ProviderName).
		Str("date", target.Date).
		Str("time", target.StartTime).
		Int("capacity", target.MaxBookings).
		Msg("contending for one slot")

	ready := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < s.config.BurstSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			s.book(ctx, target, &s.metrics.Burst)
		}()
	}
	close(ready)
	wg.Wait()
}

func (s *Simulator) Run(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting mixed load")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(runCtx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("mixed load complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.book(ctx, s.pool.Slots[rng.Intn(len(s.pool.Slots))], &s.metrics.Booking)
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.cancel(ctx, rng)
		default:
			s.read(ctx, rng)
		}
	}
}

func (s *Simulator) book(ctx context.Context, slot appointment.TimeSlot, om *OperationMetrics) {
	start := time.Now()
	res, err := s.client.Book(ctx, randomPatient(slot), "")
	if ctx.Err() != nil {
		return
	}
	om.Record(time.Since(start), err)
	if err == nil {
		s.pool.AddAppointment(booked{id: res.Appointment.ID, code: res.ConfirmationCode})
	}
}

func (s *Simulator) cancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeRandomAppointment(rng)
	if !ok {
		return
	}
	reason := "simulated cancellation"
	start := time.Now()
	_, err := s.client.Cancel(ctx, b.id, b.code, &reason)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Cancel.Record(time.Since(start), err)
}

func (s *Simulator) read(ctx context.Context, rng *rand.Rand) {
	if rng.Intn(2) == 0 {
		start := time.Now()
		_, err := s.client.Availability(ctx, s.query())
		if ctx.Err() == nil {
			s.metrics.Availability.Record(time.Since(start), err)
		}
		return
	}

	s.pool.mu.Lock()
	var code string
	if n := len(s.pool.appointments); n > 0 {
		code = s.pool.appointments[rng.Intn(n)].code
	}
	s.pool.mu.Unlock()
	if code == "" {
		return
	}

	start := time.Now()
	_, err := s.client.LookupByCode(ctx, code)
	if ctx.Err() == nil {
		s.metrics.Lookup.Record(time.Since(start), err)
	}
}

// Audit re-reads availability and returns every slot holding more bookings
// than its capacity.
func (s *Simulator) Audit(ctx context.Context) ([]appointment.TimeSlot, error) {
	avail, err := s.client.Availability(ctx, s.query())
	if err != nil {
		return nil, err
	}
	var over []appointment.TimeSlot
	for _, slot := range avail.Slots {
		if slot.CurrentBookings > slot.MaxBookings {
			over = append(over, slot)
		}
	}
	return over, nil
}

func (s *Simulator) PrintReport(overbooked []appointment.TimeSlot) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Range: %s .. %s (%d open slots)\n", s.start, s.end, len(s.pool.Slots))
	fmt.Printf("Stream updates received: %d\n", atomic.LoadInt64(&s.metrics.StreamEvents))
	fmt.Println()

	capacity := s.pool.Slots[0].MaxBookings
	burstOK := atomic.LoadInt64(&s.metrics.Burst.Success)
	fmt.Printf("Burst: %d concurrent bookings for one slot of capacity %d, %d accepted\n\n",
		s.config.BurstSize, capacity, burstOK)

	printOperationReport("Burst booking", &s.metrics.Burst)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Lookup by code", &s.metrics.Lookup)

	if len(overbooked) == 0 && burstOK <= int64(capacity) {
		fmt.Println("No overbooked slots.")
		return
	}
	fmt.Printf("OVERBOOKED SLOTS: %d\n", len(overbooked))
	for _, slot := range overbooked {
		fmt.Printf("  %s %s %s: %d/%d\n", slot.ProviderName, slot.Date, slot.StartTime, slot.CurrentBookings, slot.MaxBookings)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	ambiguous := atomic.LoadInt64(&om.Ambiguous)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if ambiguous > 0 {
		fmt.Printf("  Ambiguous: %d (%.1f%%)\n", ambiguous, float64(ambiguous)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
