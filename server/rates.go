package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pousada/auth"
	"pousada/models"
	"pousada/pricing"
)

// maxRateRows bounds one upsert batch to a year of nightly rows.
const maxRateRows = 366

type rateDayPayload struct {
	RoomTypeID        uuid.UUID `json:"room_type_id"`
	Date              string    `json:"date"`
	Price1PaxCents    *int64    `json:"price_1pax_cents"`
	Price2PaxCents    *int64    `json:"price_2pax_cents"`
	Price3PaxCents    *int64    `json:"price_3pax_cents"`
	Price4PaxCents    *int64    `json:"price_4pax_cents"`
	ChildBucket1Cents *int64    `json:"child_bucket_1_cents"`
	ChildBucket2Cents *int64    `json:"child_bucket_2_cents"`
	ChildBucket3Cents *int64    `json:"child_bucket_3_cents"`
	MinLOS            *int      `json:"min_los"`
	MaxLOS            *int      `json:"max_los"`
	ClosedCheckin     bool      `json:"closed_checkin"`
	ClosedCheckout    bool      `json:"closed_checkout"`
	IsBlocked         bool      `json:"is_blocked"`
}

func rateDayView(row models.RateDay) rateDayPayload {
	return rateDayPayload{
		RoomTypeID:        row.RoomTypeID,
		Date:              models.FormatDate(row.Date),
		Price1PaxCents:    row.Price1PaxCents,
		Price2PaxCents:    row.Price2PaxCents,
		Price3PaxCents:    row.Price3PaxCents,
		Price4PaxCents:    row.Price4PaxCents,
		ChildBucket1Cents: row.ChildBucket1Cents,
		ChildBucket2Cents: row.ChildBucket2Cents,
		ChildBucket3Cents: row.ChildBucket3Cents,
		MinLOS:            row.MinLOS,
		MaxLOS:            row.MaxLOS,
		ClosedCheckin:     row.ClosedCheckin,
		ClosedCheckout:    row.ClosedCheckout,
		IsBlocked:         row.IsBlocked,
	}
}

func (s *Server) handleListRates(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}

	query := r.URL.Query()
	start, ok := s.requireDateParam(w, r, query.Get("start_date"), "start_date")
	if !ok {
		return
	}
	end, ok := s.requireDateParam(w, r, query.Get("end_date"), "end_date")
	if !ok {
		return
	}
	if end.Before(start) {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_range", "end_date must not precede start_date")
		return
	}
	if end.Sub(start) > maxRateRows*24*time.Hour {
		writeError(w, r, http.StatusUnprocessableEntity, "range_too_large", "date range may span at most 366 days")
		return
	}

	tx := s.db.WithContext(r.Context()).
		Where("property_id = ? AND date >= ? AND date <= ?", propertyID, start, end)
	if raw := strings.TrimSpace(query.Get("room_type_id")); raw != "" {
		roomTypeID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, "invalid_parameter", "room_type_id must be a UUID")
			return
		}
		tx = tx.Where("room_type_id = ?", roomTypeID)
	}

	var rows []models.RateDay
	if err := tx.Order("date asc").Order("room_type_id asc").Find(&rows).Error; err != nil {
		writeFault(w, r, err)
		return
	}
	views := make([]rateDayPayload, 0, len(rows))
	for _, row := range rows {
		views = append(views, rateDayView(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rates": views})
}

func (s *Server) handleUpsertRates(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}

	var req struct {
		Rates []rateDayPayload `json:"rates"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Rates) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, "empty_rates", "rates must contain at least one row")
		return
	}
	if len(req.Rates) > maxRateRows {
		writeError(w, r, http.StatusUnprocessableEntity, "too_many_rates", "rates accepts at most 366 rows per call")
		return
	}

	roomTypes, err := s.roomTypeSet(r, propertyID)
	if err != nil {
		writeFault(w, r, err)
		return
	}

	// The upsert cannot touch the same (room type, date) twice in one
	// statement, so in-batch duplicates are rejected up front.
	type rateKey struct {
		roomTypeID uuid.UUID
		date       string
	}
	seen := make(map[rateKey]struct{}, len(req.Rates))
	rows := make([]models.RateDay, 0, len(req.Rates))
	for i, in := range req.Rates {
		row, err := buildRateDay(propertyID, roomTypes, in)
		if err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, "invalid_rate_row", "row "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		key := rateKey{roomTypeID: row.RoomTypeID, date: models.FormatDate(row.Date)}
		if _, dup := seen[key]; dup {
			writeError(w, r, http.StatusUnprocessableEntity, "duplicate_rate_row", "row "+strconv.Itoa(i)+" repeats an earlier room type and date")
			return
		}
		seen[key] = struct{}{}
		rows = append(rows, row)
	}

	err = s.db.WithContext(r.Context()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "property_id"}, {Name: "room_type_id"}, {Name: "date"}},
		UpdateAll: true,
	}).Create(&rows).Error
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(rows)})
}

func buildRateDay(propertyID uuid.UUID, roomTypes map[uuid.UUID]struct{}, in rateDayPayload) (models.RateDay, error) {
	if _, ok := roomTypes[in.RoomTypeID]; !ok {
		return models.RateDay{}, errors.New("room_type_id does not belong to this property")
	}
	date, err := models.ParseDate(in.Date)
	if err != nil {
		return models.RateDay{}, errors.New("date must be formatted 2006-01-02")
	}
	for _, price := range []*int64{
		in.Price1PaxCents, in.Price2PaxCents, in.Price3PaxCents, in.Price4PaxCents,
		in.ChildBucket1Cents, in.ChildBucket2Cents, in.ChildBucket3Cents,
	} {
		if price != nil && *price < 0 {
			return models.RateDay{}, errors.New("prices must not be negative")
		}
	}
	if in.MinLOS != nil && *in.MinLOS < 1 {
		return models.RateDay{}, errors.New("min_los must be at least 1")
	}
	if in.MaxLOS != nil && *in.MaxLOS < 1 {
		return models.RateDay{}, errors.New("max_los must be at least 1")
	}
	if in.MinLOS != nil && in.MaxLOS != nil && *in.MaxLOS < *in.MinLOS {
		return models.RateDay{}, errors.New("max_los must not be below min_los")
	}
	return models.RateDay{
		ID:                uuid.New(),
		PropertyID:        propertyID,
		RoomTypeID:        in.RoomTypeID,
		Date:              date,
		Price1PaxCents:    in.Price1PaxCents,
		Price2PaxCents:    in.Price2PaxCents,
		Price3PaxCents:    in.Price3PaxCents,
		Price4PaxCents:    in.Price4PaxCents,
		ChildBucket1Cents: in.ChildBucket1Cents,
		ChildBucket2Cents: in.ChildBucket2Cents,
		ChildBucket3Cents: in.ChildBucket3Cents,
		MinLOS:            in.MinLOS,
		MaxLOS:            in.MaxLOS,
		ClosedCheckin:     in.ClosedCheckin,
		ClosedCheckout:    in.ClosedCheckout,
		IsBlocked:         in.IsBlocked,
	}, nil
}

func (s *Server) roomTypeSet(r *http.Request, propertyID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(r.Context()).Model(&models.RoomType{}).
		Where("property_id = ?", propertyID).Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (s *Server) requireDateParam(w http.ResponseWriter, r *http.Request, raw, name string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "missing_parameter", name+" is required")
		return time.Time{}, false
	}
	date, err := models.ParseDate(raw)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_parameter", name+" must be formatted 2006-01-02")
		return time.Time{}, false
	}
	return date, true
}

type childBucketPayload struct {
	BucketNumber int `json:"bucket_number"`
	MinAge       int `json:"min_age"`
	MaxAge       int `json:"max_age"`
}

func (s *Server) handleGetChildPolicies(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	var buckets []models.ChildAgeBucket
	err = s.db.WithContext(r.Context()).
		Where("property_id = ?", propertyID).Order("bucket_number asc").Find(&buckets).Error
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if len(buckets) == 0 {
		buckets = models.DefaultChildAgeBuckets(propertyID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": bucketViews(buckets)})
}

func (s *Server) handlePutChildPolicies(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}

	var req struct {
		Buckets []childBucketPayload `json:"buckets"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	buckets := make([]models.ChildAgeBucket, 0, len(req.Buckets))
	for _, in := range req.Buckets {
		buckets = append(buckets, models.ChildAgeBucket{
			ID:           uuid.New(),
			PropertyID:   propertyID,
			BucketNumber: in.BucketNumber,
			MinAge:       in.MinAge,
			MaxAge:       in.MaxAge,
		})
	}
	if err := pricing.ValidateBuckets(buckets); err != nil {
		writeFault(w, r, err)
		return
	}

	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("property_id = ?", propertyID).Delete(&models.ChildAgeBucket{}).Error; err != nil {
			return err
		}
		return tx.Create(&buckets).Error
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": bucketViews(buckets)})
}

func bucketViews(buckets []models.ChildAgeBucket) []childBucketPayload {
	views := make([]childBucketPayload, 0, len(buckets))
	for _, b := range buckets {
		views = append(views, childBucketPayload{BucketNumber: b.BucketNumber, MinAge: b.MinAge, MaxAge: b.MaxAge})
	}
	return views
}

type cancellationPolicyPayload struct {
	Type                       models.CancellationPolicyType `json:"type"`
	FreeUntilDaysBeforeCheckin int                           `json:"free_until_days_before_checkin"`
	PenaltyPercent             int                           `json:"penalty_percent"`
}

func (s *Server) handleGetCancellationPolicy(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	var policy models.CancellationPolicy
	err = s.db.WithContext(r.Context()).First(&policy, "property_id = ?", propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		policy = models.DefaultCancellationPolicy(propertyID)
	} else if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancellationPolicyPayload{
		Type:                       policy.Type,
		FreeUntilDaysBeforeCheckin: policy.FreeUntilDaysBeforeCheckin,
		PenaltyPercent:             policy.PenaltyPercent,
	})
}

func (s *Server) handlePutCancellationPolicy(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}

	var req cancellationPolicyPayload
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_policy_type", "type must be one of non_refundable, free, flexible")
		return
	}
	if req.FreeUntilDaysBeforeCheckin < 0 {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_policy", "free_until_days_before_checkin must not be negative")
		return
	}
	if req.PenaltyPercent < 0 || req.PenaltyPercent > 100 {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_policy", "penalty_percent must be between 0 and 100")
		return
	}

	policy := models.CancellationPolicy{
		ID:                         uuid.New(),
		PropertyID:                 propertyID,
		Type:                       req.Type,
		FreeUntilDaysBeforeCheckin: req.FreeUntilDaysBeforeCheckin,
		PenaltyPercent:             req.PenaltyPercent,
	}
	err = s.db.WithContext(r.Context()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "property_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "free_until_days_before_checkin", "penalty_percent", "updated_at"}),
	}).Create(&policy).Error
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancellationPolicyPayload{
		Type:                       policy.Type,
		FreeUntilDaysBeforeCheckin: policy.FreeUntilDaysBeforeCheckin,
		PenaltyPercent:             policy.PenaltyPercent,
	})
}
