// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/rentmarket-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrBookingNotFound возвращается, если бронирование не найдено.
var (
	ErrBookingNotFound = errors.New("booking not found")
	// ErrEquipmentNotFound возвращается, если позиция каталога оборудования не найдена.
	ErrEquipmentNotFound = errors.New("equipment not found")
	// ErrInsuranceNotFound возвращается, если страховой полис не найден.
	ErrInsuranceNotFound = errors.New("insurance policy not found")
	// ErrIncidentNotFound возвращается, если инцидент не найден.
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrPaymentNotFound возвращается, если по бронированию нет живого платежа.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrInvalidState возвращается, если текущий статус записи не допускает переход.
	// Конкурирующее обновление, сменившее статус первым, проявляется той же ошибкой.
	ErrInvalidState = errors.New("invalid state for transition")
)

// paymentExpiry — время, в течение которого ожидающий платёж считается живым.
const paymentExpiry = 5 * time.Minute

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Ошибки контекста не ретраим
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Ретраи полезны при Serialization Failure и Deadlock:
			// сметающие задания могут пересекаться друг с другом и с обычным трафиком.
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetEquipment возвращает позицию каталога оборудования по идентификатору.
func (r *PostgresRepository) GetEquipment(ctx context.Context, id int64) (*model.Equipment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, owner_id, price_per_day, replacement_price, quantity
		 FROM equipments WHERE id = $1`,
		id,
	)

	var e model.Equipment
	err := row.Scan(&e.ID, &e.OwnerID, &e.PricePerDay, &e.ReplacementPrice, &e.Quantity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEquipmentNotFound
		}
		return nil, fmt.Errorf("get equipment: %w", err)
	}

	return &e, nil
}

// GetInsurance возвращает страховой полис по идентификатору.
func (r *PostgresRepository) GetInsurance(ctx context.Context, id int64) (*model.Insurance, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, status, min_coverage, max_coverage
		 FROM insurances WHERE id = $1`,
		id,
	)

	var ins model.Insurance
	err := row.Scan(&ins.ID, &ins.Status, &ins.MinCoverage, &ins.MaxCoverage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsuranceNotFound
		}
		return nil, fmt.Errorf("get insurance: %w", err)
	}

	return &ins, nil
}

// CreateBooking сохраняет новое бронирование.
func (r *PostgresRepository) CreateBooking(ctx context.Context, b *model.Booking) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO bookings
		   (id, equipment_id, renter_id, owner_id, start_date, end_date, quantity,
		    base_price, service_fee, insurance_fee, discount, total_price, status,
		    notes, insurance_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING created_at`,
		b.ID, b.EquipmentID, b.RenterID, b.OwnerID, b.StartDate, b.EndDate, b.Quantity,
		b.BasePrice, b.ServiceFee, b.InsuranceFee, b.Discount, b.TotalPrice, string(b.Status),
		b.Notes, b.InsuranceID,
	).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("create booking: %w", err)
	}
	return nil
}

// GetBooking возвращает бронирование по идентификатору.
func (r *PostgresRepository) GetBooking(ctx context.Context, id string) (*model.Booking, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, equipment_id, renter_id, owner_id, start_date, end_date, quantity,
		        base_price, service_fee, insurance_fee, discount, total_price, status,
		        checkin_time, checkin_images, checkout_time, checkout_images,
		        notes, insurance_id, created_at
		 FROM bookings WHERE id = $1`,
		id,
	)

	var (
		b      model.Booking
		status string
	)
	err := row.Scan(
		&b.ID, &b.EquipmentID, &b.RenterID, &b.OwnerID, &b.StartDate, &b.EndDate, &b.Quantity,
		&b.BasePrice, &b.ServiceFee, &b.InsuranceFee, &b.Discount, &b.TotalPrice, &status,
		&b.CheckinTime, &b.CheckinImages, &b.CheckoutTime, &b.CheckoutImages,
		&b.Notes, &b.InsuranceID, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}

	b.Status = model.BookingStatus(status)
	return &b, nil
}

// TransitionBooking переводит бронирование в статус to, если текущий статус
// входит в from. Потерянная гонка или неподходящий статус дают ErrInvalidState.
func (r *PostgresRepository) TransitionBooking(ctx context.Context, id string, to model.BookingStatus, from ...model.BookingStatus) error {
	expected := make([]string, 0, len(from))
	for _, s := range from {
		expected = append(expected, string(s))
	}

	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE bookings SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, string(to), expected,
	)
	if err != nil {
		return fmt.Errorf("transition booking: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return r.bookingTransitionError(ctx, id)
	}

	return nil
}

func (r *PostgresRepository) bookingTransitionError(ctx context.Context, id string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBookingNotFound
		}
		return fmt.Errorf("check booking status: %w", err)
	}
	return fmt.Errorf("%w: booking %s is %s", ErrInvalidState, id, status)
}

// SetBookingCheckin фиксирует передачу оборудования: ongoing -> reviewing.
func (r *PostgresRepository) SetBookingCheckin(ctx context.Context, id string, at time.Time, images []string, note string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE bookings
		 SET status = $2, checkin_time = $3, checkin_images = $4,
		     notes = CASE WHEN $5 = '' THEN notes
		                  WHEN notes = '' THEN $5
		                  ELSE notes || ' | ' || $5 END
		 WHERE id = $1 AND status = $6`,
		id, string(model.BookingStatusReviewing), at, images, note, string(model.BookingStatusOngoing),
	)
	if err != nil {
		return fmt.Errorf("set booking checkin: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return r.bookingTransitionError(ctx, id)
	}

	return nil
}

// SetBookingCheckout фиксирует возврат оборудования: reviewing -> completed.
// Дополнительные начисления прибавляются к total_price тем же обновлением,
// поэтому два конкурирующих возврата не применят их дважды.
func (r *PostgresRepository) SetBookingCheckout(ctx context.Context, id string, at time.Time, images []string, note string, extraCharges int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE bookings
		 SET status = $2, checkout_time = $3, checkout_images = $4,
		     total_price = total_price + $5,
		     notes = CASE WHEN $6 = '' THEN notes
		                  WHEN notes = '' THEN $6
		                  ELSE notes || ' | ' || $6 END
		 WHERE id = $1 AND status = $7`,
		id, string(model.BookingStatusCompleted), at, images, extraCharges, note, string(model.BookingStatusReviewing),
	)
	if err != nil {
		return fmt.Errorf("set booking checkout: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return r.bookingTransitionError(ctx, id)
	}

	return nil
}

// UpsertPayment сохраняет локальное зеркало платёжного намерения.
// По бронированию существует не более одного неотклонённого платежа;
// повторная инициация обновляет ожидающую запись данными шлюза.
func (r *PostgresRepository) UpsertPayment(ctx context.Context, p *model.Payment) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments (booking_id, renter_id, owner_id, amount, content, ref, status, method)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (booking_id) WHERE status <> 'failed'
		 DO UPDATE SET amount = EXCLUDED.amount, content = EXCLUDED.content
		 WHERE payments.status = 'pending'
		 RETURNING id, created_at`,
		p.BookingID, p.RenterID, p.OwnerID, p.Amount, p.Content, p.Ref, string(p.Status), p.Method,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Живой платёж уже не pending: апдейт не прошёл по условию.
			return fmt.Errorf("%w: payment for booking %s is not pending", ErrInvalidState, p.BookingID)
		}
		return fmt.Errorf("upsert payment: %w", err)
	}
	return nil
}

// GetPaymentByBooking возвращает живой (неотклонённый) платёж бронирования.
func (r *PostgresRepository) GetPaymentByBooking(ctx context.Context, bookingID string) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, booking_id, renter_id, owner_id, amount, content, ref, status, method, txn_id, paid_at, created_at
		 FROM payments
		 WHERE booking_id = $1 AND status <> 'failed'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		bookingID,
	)

	var (
		p      model.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.BookingID, &p.RenterID, &p.OwnerID, &p.Amount, &p.Content, &p.Ref,
		&status, &p.Method, &p.TxnID, &p.PaidAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	p.Status = model.PaymentStatus(status)
	return &p, nil
}

// ConfirmPayment атомарно отмечает платёж оплаченным и переводит
// бронирование confirmed -> ongoing. Если бронирование уже активировано
// по дате сметающим заданием, обновляется только платёж.
func (r *PostgresRepository) ConfirmPayment(ctx context.Context, bookingID, txnID string, paidAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE payments SET status = $2, txn_id = $3, paid_at = $4
		 WHERE booking_id = $1 AND status = $5`,
		bookingID, string(model.PaymentStatusPaid), txnID, paidAt, string(model.PaymentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark payment paid: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE bookings SET status = $2 WHERE id = $1 AND status = $3`,
		bookingID, string(model.BookingStatusOngoing), string(model.BookingStatusConfirmed),
	)
	if err != nil {
		return fmt.Errorf("advance booking after payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// CreateIncident сохраняет новый инцидент со статусом pending.
func (r *PostgresRepository) CreateIncident(ctx context.Context, inc *model.Incident) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO incidents
		   (booking_id, reporter_id, type, severity, description, images, status, resolution_amount, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		inc.BookingID, inc.ReporterID, string(inc.Type), string(inc.Severity), inc.Description,
		inc.Images, string(inc.Status), inc.ResolutionAmount, inc.Notes,
	).Scan(&inc.ID, &inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// GetIncident возвращает инцидент по идентификатору.
func (r *PostgresRepository) GetIncident(ctx context.Context, id int64) (*model.Incident, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, booking_id, reporter_id, type, severity, description, images, status, resolution_amount, notes, created_at
		 FROM incidents WHERE id = $1`,
		id,
	)

	var (
		inc               model.Incident
		incType, severity string
		status            string
	)
	err := row.Scan(&inc.ID, &inc.BookingID, &inc.ReporterID, &incType, &severity,
		&inc.Description, &inc.Images, &status, &inc.ResolutionAmount, &inc.Notes, &inc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}

	inc.Type = model.IncidentType(incType)
	inc.Severity = model.IncidentSeverity(severity)
	inc.Status = model.IncidentStatus(status)
	return &inc, nil
}

// ResolveIncident переводит инцидент из pending в resolved или rejected.
// Повторный вызов с тем же целевым статусом идемпотентен; решённый инцидент
// в другой статус не переводится.
func (r *PostgresRepository) ResolveIncident(ctx context.Context, id int64, status model.IncidentStatus, notes string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE incidents
		 SET status = $2,
		     notes = CASE WHEN $3 = '' THEN notes
		                  WHEN notes = '' THEN $3
		                  ELSE notes || ' | ' || $3 END
		 WHERE id = $1 AND status = $4`,
		id, string(status), notes, string(model.IncidentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("resolve incident: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var current string
		err := r.pool.QueryRow(ctx, `SELECT status FROM incidents WHERE id = $1`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrIncidentNotFound
			}
			return fmt.Errorf("check incident status: %w", err)
		}
		if current == string(status) {
			return nil
		}
		return fmt.Errorf("%w: incident %d is %s", ErrInvalidState, id, current)
	}

	return nil
}

// GetIncidentsByBooking возвращает инциденты по бронированию.
func (r *PostgresRepository) GetIncidentsByBooking(ctx context.Context, bookingID string) ([]model.Incident, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, booking_id, reporter_id, type, severity, description, images, status, resolution_amount, notes, created_at
		 FROM incidents
		 WHERE booking_id = $1
		 ORDER BY created_at`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("select incidents: %w", err)
	}
	defer rows.Close()

	var res []model.Incident
	for rows.Next() {
		var (
			inc               model.Incident
			incType, severity string
			status            string
		)
		if err := rows.Scan(&inc.ID, &inc.BookingID, &inc.ReporterID, &incType, &severity,
			&inc.Description, &inc.Images, &status, &inc.ResolutionAmount, &inc.Notes, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}

		inc.Type = model.IncidentType(incType)
		inc.Severity = model.IncidentSeverity(severity)
		inc.Status = model.IncidentStatus(status)
		res = append(res, inc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// EnsurePayout создаёт выплату владельцу, если по бронированию её ещё нет.
// Возвращает признак того, что запись создана этим вызовом.
func (r *PostgresRepository) EnsurePayout(ctx context.Context, p *model.Payout) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO payouts (owner_id, booking_id, amount, status, incident_id, notes)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (booking_id) DO NOTHING`,
		p.OwnerID, p.BookingID, p.Amount, string(p.Status), p.IncidentID, p.Notes,
	)
	if err != nil {
		return false, fmt.Errorf("ensure payout: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// GetPayoutByBooking возвращает выплату по бронированию.
func (r *PostgresRepository) GetPayoutByBooking(ctx context.Context, bookingID string) (*model.Payout, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, owner_id, booking_id, amount, status, incident_id, notes, created_at
		 FROM payouts WHERE booking_id = $1`,
		bookingID,
	)

	var (
		p      model.Payout
		status string
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.BookingID, &p.Amount, &status, &p.IncidentID, &p.Notes, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payout for booking %s not found", bookingID)
		}
		return nil, fmt.Errorf("get payout: %w", err)
	}

	p.Status = model.PayoutStatus(status)
	return &p, nil
}

// AdvanceConfirmedBookings массово переводит в ongoing подтверждённые
// бронирования, дата начала которых наступила. Идемпотентно: фильтр по статусу
// не находит уже переведённые строки.
func (r *PostgresRepository) AdvanceConfirmedBookings(ctx context.Context) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE bookings SET status = $1
			 WHERE status = $2 AND start_date <= date_trunc('day', now())`,
			string(model.BookingStatusOngoing), string(model.BookingStatusConfirmed),
		)
		if err != nil {
			return fmt.Errorf("advance confirmed bookings: %w", err)
		}
		affected = cmdTag.RowsAffected()
		return nil
	})
	return affected, err
}

// ExpirePendingPayments отклоняет платежи, ожидающие дольше пяти минут,
// и атомарно помечает их бронирования неуспешными одним запросом.
func (r *PostgresRepository) ExpirePendingPayments(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-paymentExpiry)

	var expired int64
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`WITH expired AS (
			   UPDATE payments SET status = $1
			   WHERE status = $2 AND created_at < $3
			   RETURNING booking_id
			 ), failed_bookings AS (
			   UPDATE bookings SET status = $4
			   WHERE id IN (SELECT booking_id FROM expired) AND status = ANY($5)
			   RETURNING id
			 )
			 SELECT count(*) FROM expired`,
			string(model.PaymentStatusFailed), string(model.PaymentStatusPending), cutoff,
			string(model.BookingStatusFailed),
			[]string{string(model.BookingStatusPending), string(model.BookingStatusConfirmed)},
		).Scan(&expired)
	})
	if err != nil {
		return 0, fmt.Errorf("expire pending payments: %w", err)
	}

	return expired, nil
}
