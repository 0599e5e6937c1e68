package main

import (
	"context"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

type procedureSeed struct {
	name     string
	duration int
}

var procedures = []procedureSeed{
	{"Consultation", 30},
	{"Cleaning", 60},
	{"Filling", 60},
	{"Whitening", 90},
	{"Root Canal", 120},
	{"X-Ray", 30},
}

var specializations = []string{
	"General Dentistry",
	"Orthodontics",
	"Periodontics",
	"Endodontics",
	"Oral Surgery",
	"Pediatric Dentistry",
	"Hygiene",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("seed", "dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New("seed", cfg.Env, cfg.LogLevel)
	if err := cfg.RequirePostgres(); err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if _, err := db.NewMigrator(pool, db.Migrations(), log).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	gofakeit.Seed(time.Now().UnixNano())

	procIDs, err := seedProcedures(ctx, pool, log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed procedures")
	}
	if err := seedProviders(ctx, pool, log, 12, procIDs, cfg.ClinicLocation); err != nil {
		log.Fatal().Err(err).Msg("seed providers")
	}

	log.Info().Msg("seed complete")
}

func seedProcedures(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) ([]uuid.UUID, error) {
	log.Info().Int("count", len(procedures)).Msg("seeding procedures")

	ids := make([]uuid.UUID, 0, len(procedures))
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, p := range procedures {
			id := uuid.New()
			if _, err := tx.Exec(ctx, `
				INSERT INTO procedures (id, name, duration_minutes)
				VALUES ($1, $2, $3)
			`, id, p.name, p.duration); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// seedProviders inserts providers with weekday hours, an occasional Saturday
// date override and a few blocked periods over the next two weeks.
func seedProviders(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, count int, procIDs []uuid.UUID, loc *time.Location) error {
	log.Info().Int("count", count).Msg("seeding providers")

	today := time.Now().In(loc)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)

	for i := 0; i < count; i++ {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			id := uuid.New()
			if _, err := tx.Exec(ctx, `
				INSERT INTO providers (id, name, title, specialization, active, created_at, updated_at)
				VALUES ($1, $2, $3, $4, TRUE, now(), now())
			`, id, gofakeit.FirstName()+" "+gofakeit.LastName(), "Dr.", specializations[gofakeit.Number(0, len(specializations)-1)]); err != nil {
				return err
			}

			// Every provider offers a consultation plus a random subset of the rest.
			for j, procID := range procIDs {
				if j > 0 && !gofakeit.Bool() {
					continue
				}
				if _, err := tx.Exec(ctx, `
					INSERT INTO provider_procedures (provider_id, procedure_id) VALUES ($1, $2)
				`, id, procID); err != nil {
					return err
				}
			}

			startHour := gofakeit.Number(7, 10)
			endHour := startHour + gofakeit.Number(6, 9)
			slot := []int{30, 60}[gofakeit.Number(0, 1)]
			capacity := gofakeit.Number(1, 3)
			for wd := 1; wd <= 5; wd++ {
				if _, err := tx.Exec(ctx, `
					INSERT INTO working_hours_templates (id, provider_id, weekday, start_minute, end_minute, slot_minutes, max_bookings)
					VALUES ($1, $2, $3, $4, $5, $6, $7)
				`, uuid.New(), id, wd, startHour*60, endHour*60, slot, capacity); err != nil {
					return err
				}
			}

			if gofakeit.Bool() {
				saturday := nextWeekday(today, time.Saturday)
				if _, err := tx.Exec(ctx, `
					INSERT INTO working_hours_templates (id, provider_id, on_date, start_minute, end_minute, slot_minutes, max_bookings)
					VALUES ($1, $2, $3, $4, $5, $6, $7)
				`, uuid.New(), id, saturday, 9*60, 13*60, slot, 1); err != nil {
					return err
				}
			}

			blocked := gofakeit.Number(0, 3)
			for b := 0; b < blocked; b++ {
				day := today.AddDate(0, 0, gofakeit.Number(1, 14))
				start := day.Add(time.Duration(gofakeit.Number(startHour, endHour-1)) * time.Hour)
				if _, err := tx.Exec(ctx, `
					INSERT INTO blocked_periods (id, provider_id, starts_at, ends_at, reason)
					VALUES ($1, $2, $3, $4, $5)
				`, uuid.New(), id, start, start.Add(time.Hour), gofakeit.RandomString([]string{"training", "meeting", "personal", "equipment maintenance"})); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	log.Info().Int("count", count).Msg("providers seeded")
	return nil
}

func nextWeekday(from time.Time, wd time.Weekday) time.Time {
	d := (int(wd) - int(from.Weekday()) + 7) % 7
	if d == 0 {
		d = 7
	}
	return from.AddDate(0, 0, d)
}
