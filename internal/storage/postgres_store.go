package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address,
	dest_lat, dest_lon, dest_address, ride_class, status, rider_notes,
	est_distance_km, est_duration_min, est_price,
	actual_distance_km, actual_duration_min, actual_price,
	requested_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at,
	cancelled_by, cancellation_reason, cancellation_fee`

func (p *PostgresStore) SaveRide(r *models.RideRequest) error {
	_, err := p.db.Exec(`INSERT INTO rides(`+rideColumns+`) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		r.ID, r.RiderID, nullStr(r.DriverID), r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lon, r.Destination.Address, string(r.Class), string(r.Status), r.RiderNotes,
		r.EstimatedDistanceKm, r.EstimatedDurationMin, r.EstimatedPrice,
		r.ActualDistanceKm, r.ActualDurationMin, r.ActualPrice,
		r.RequestedAt, r.AcceptedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullStr(r.CancelledBy), nullStr(r.CancellationReason), r.CancellationFee)
	return err
}

func (p *PostgresStore) UpdateRide(r *models.RideRequest) error {
	res, err := p.db.Exec(`UPDATE rides SET
		driver_id=$1, status=$2,
		actual_distance_km=$3, actual_duration_min=$4, actual_price=$5,
		accepted_at=$6, arrived_at=$7, started_at=$8, completed_at=$9, cancelled_at=$10,
		cancelled_by=$11, cancellation_reason=$12, cancellation_fee=$13
		WHERE id=$14`,
		nullStr(r.DriverID), string(r.Status),
		r.ActualDistanceKm, r.ActualDurationMin, r.ActualPrice,
		r.AcceptedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullStr(r.CancelledBy), nullStr(r.CancellationReason), r.CancellationFee, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRide(id string) (*models.RideRequest, error) {
	row := p.db.QueryRow(`SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) ActiveRideFor(actorID string) (*models.RideRequest, error) {
	row := p.db.QueryRow(`SELECT `+rideColumns+` FROM rides
		WHERE (rider_id=$1 OR driver_id=$1)
		AND status NOT IN ('completed','cancelled')
		ORDER BY requested_at DESC LIMIT 1`, actorID)
	return scanRide(row)
}

func (p *PostgresStore) ListByParty(actorID string, status models.RideStatus, limit, offset int) ([]*models.RideRequest, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = p.db.Query(`SELECT `+rideColumns+` FROM rides
			WHERE (rider_id=$1 OR driver_id=$1) AND status=$2
			ORDER BY requested_at DESC LIMIT $3 OFFSET $4`, actorID, string(status), limit, offset)
	} else {
		rows, err = p.db.Query(`SELECT `+rideColumns+` FROM rides
			WHERE (rider_id=$1 OR driver_id=$1)
			ORDER BY requested_at DESC LIMIT $2 OFFSET $3`, actorID, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.RideRequest, error) {
	var (
		r                        models.RideRequest
		driverID, cancelledBy    sql.NullString
		cancellationReason       sql.NullString
		class, status            string
		acceptedAt, arrivedAt    sql.NullTime
		startedAt, completedAt   sql.NullTime
		cancelledAt              sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RiderID, &driverID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lon, &r.Destination.Address, &class, &status, &r.RiderNotes,
		&r.EstimatedDistanceKm, &r.EstimatedDurationMin, &r.EstimatedPrice,
		&r.ActualDistanceKm, &r.ActualDurationMin, &r.ActualPrice,
		&r.RequestedAt, &acceptedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
		&cancelledBy, &cancellationReason, &r.CancellationFee)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancelledBy = cancelledBy.String
	r.CancellationReason = cancellationReason.String
	r.Class = models.RideClass(class)
	r.Status = models.RideStatus(status)
	r.AcceptedAt = timePtr(acceptedAt)
	r.ArrivedAt = timePtr(arrivedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
