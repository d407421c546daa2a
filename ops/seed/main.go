// Command seed provisions a demo property for local development: room
// types, rooms, a rolling window of rates and availability, default
// policies, a small extras catalog and a staff token for the dashboard
// API.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"pousada/models"
)

func main() {
	var (
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
		name        = flag.String("name", "Pousada Mar Azul", "Property name")
		timezone    = flag.String("timezone", "America/Sao_Paulo", "Property timezone")
		currency    = flag.String("currency", "BRL", "ISO currency code")
		days        = flag.Int("days", 90, "Calendar horizon to open")
		units       = flag.Int("units", 3, "Units per room type and night")
		rateCents   = flag.Int64("rate-cents", 42000, "Two-adult nightly rate in cents")
		tokenSecret = flag.String("staff-secret", os.Getenv("STAFF_JWT_SECRET"), "HS256 secret for the printed dashboard token")
		role        = flag.String("role", "manager", "Role granted by the printed token")
	)
	flag.Parse()

	if strings.TrimSpace(*databaseURL) == "" {
		exitf("--database-url or DATABASE_URL is required")
	}
	if *days <= 0 || *units <= 0 || *rateCents <= 0 {
		exitf("--days, --units and --rate-cents must be positive")
	}
	if _, err := time.LoadLocation(*timezone); err != nil {
		exitf("invalid --timezone %q: %v", *timezone, err)
	}

	db, err := gorm.Open(postgres.Open(*databaseURL), &gorm.Config{})
	if err != nil {
		exitf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		exitf("migrate: %v", err)
	}

	propertyID := uuid.New()
	err = db.Transaction(func(tx *gorm.DB) error {
		property := models.Property{
			ID:                    propertyID,
			Name:                  *name,
			Timezone:              *timezone,
			Currency:              *currency,
			ConfirmationThreshold: 0.5,
			HoldTTLMinutes:        30,
		}
		if err := tx.Create(&property).Error; err != nil {
			return err
		}

		policy := models.DefaultCancellationPolicy(propertyID)
		policy.ID = uuid.New()
		if err := tx.Create(&policy).Error; err != nil {
			return err
		}
		buckets := models.DefaultChildAgeBuckets(propertyID)
		if err := tx.Create(&buckets).Error; err != nil {
			return err
		}

		start := models.DateOnly(time.Now().UTC())
		roomTypes := []struct {
			name      string
			occupancy int
			premium   int64
		}{
			{"Suíte Jardim", 3, 0},
			{"Chalé Vista Mar", 4, 18000},
		}
		for i, spec := range roomTypes {
			rt := models.RoomType{
				ID:           uuid.New(),
				PropertyID:   propertyID,
				Name:         spec.name,
				MaxOccupancy: spec.occupancy,
			}
			if err := tx.Create(&rt).Error; err != nil {
				return err
			}
			for unit := 1; unit <= *units; unit++ {
				room := models.Room{
					ID:           uuid.New(),
					PropertyID:   propertyID,
					RoomTypeID:   rt.ID,
					Name:         fmt.Sprintf("%d%02d", i+1, unit),
					Active:       true,
					Housekeeping: models.RoomClean,
				}
				if err := tx.Create(&room).Error; err != nil {
					return err
				}
			}

			base := *rateCents + spec.premium
			for d := 0; d < *days; d++ {
				date := start.AddDate(0, 0, d)
				ari := models.ARIDay{
					ID:         uuid.New(),
					PropertyID: propertyID,
					RoomTypeID: rt.ID,
					Date:       date,
					InvTotal:   *units,
					Currency:   *currency,
				}
				if err := tx.Create(&ari).Error; err != nil {
					return err
				}
				p1, p2, p3, p4 := base-4000, base, base+8000, base+14000
				rate := models.RateDay{
					ID:             uuid.New(),
					PropertyID:     propertyID,
					RoomTypeID:     rt.ID,
					Date:           date,
					Price1PaxCents: &p1,
					Price2PaxCents: &p2,
					Price3PaxCents: &p3,
					Price4PaxCents: &p4,
				}
				if err := tx.Create(&rate).Error; err != nil {
					return err
				}
			}
		}

		extras := []models.Extra{
			{ID: uuid.New(), PropertyID: propertyID, Name: "Café da manhã", PriceCents: 3500, PricingMode: models.PerGuestPerNight, Active: true},
			{ID: uuid.New(), PropertyID: propertyID, Name: "Berço", PriceCents: 5000, PricingMode: models.PerUnit, Active: true},
		}
		return tx.Create(&extras).Error
	})
	if err != nil {
		exitf("seed: %v", err)
	}

	fmt.Printf("property_id=%s\n", propertyID)
	if secret := strings.TrimSpace(*tokenSecret); secret != "" {
		token, err := mintStaffToken(secret, propertyID, *role)
		if err != nil {
			exitf("mint token: %v", err)
		}
		fmt.Printf("staff_token=%s\n", token)
	}
}

// mintStaffToken signs a 24h dashboard token granting one role on the
// seeded property, matching the claim shape the api verifies.
func mintStaffToken(secret string, propertyID uuid.UUID, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":        "seed-tool",
		"iss":        "pousada-dashboard",
		"aud":        "pousada-api",
		"iat":        now.Unix(),
		"exp":        now.Add(24 * time.Hour).Unix(),
		"properties": map[string]any{propertyID.String(): role},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
