package main

import (
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// seedDemo gives a dev server without Postgres a small clinic to book against:
// three providers working weekdays 09:00-17:00 with two procedures.
func seedDemo(repo *appointment.MemoryRepository, loc *time.Location) {
	consult := appointment.Procedure{ID: uuid.New(), Name: "Consultation", DurationMinutes: 30}
	cleaning := appointment.Procedure{ID: uuid.New(), Name: "Cleaning", DurationMinutes: 60}
	repo.AddProcedure(consult)
	repo.AddProcedure(cleaning)

	specialties := []string{"General Dentistry", "Orthodontics", "Hygiene"}
	for i, spec := range specialties {
		p := appointment.Provider{
			ID:             uuid.New(),
			Name:           gofakeit.Name(),
			Title:          "Dr.",
			Specialization: spec,
			Active:         true,
		}
		procs := []uuid.UUID{consult.ID}
		if i != 1 {
			procs = append(procs, cleaning.ID)
		}
		repo.AddProvider(p, procs...)

		for wd := time.Monday; wd <= time.Friday; wd++ {
			day := wd
			repo.AddTemplate(appointment.WorkingHoursTemplate{
				ID:          uuid.New(),
				ProviderID:  p.ID,
				Weekday:     &day,
				StartMinute: 9 * 60,
				EndMinute:   17 * 60,
				SlotMinutes: 30,
				MaxBookings: 1 + i%2,
			})
		}

		// Lunch break tomorrow.
		tomorrow := time.Now().In(loc).AddDate(0, 0, 1)
		lunch := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 12, 0, 0, 0, loc)
		repo.AddBlockedPeriod(appointment.BlockedPeriod{
			ID:         uuid.New(),
			ProviderID: p.ID,
			StartsAt:   lunch,
			EndsAt:     lunch.Add(time.Hour),
			Reason:     "lunch",
		})
	}
}
