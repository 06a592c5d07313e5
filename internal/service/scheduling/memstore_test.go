package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"schedula/backend/internal/domain"
	"schedula/backend/internal/store"
)

type memAvailability struct {
	mu       sync.Mutex
	loc      *time.Location
	sessions map[uuid.UUID]domain.Session
	days     map[string]domain.UnavailableDay
	blocked  map[string]domain.UnavailableSession

	// beforeAddDay runs without the lock held, ahead of AddUnavailableDay.
	beforeAddDay func()
}

var _ store.AvailabilityStore = (*memAvailability)(nil)

func newMemAvailability() *memAvailability {
	return &memAvailability{
		loc:      time.UTC,
		sessions: map[uuid.UUID]domain.Session{},
		days:     map[string]domain.UnavailableDay{},
		blocked:  map[string]domain.UnavailableSession{},
	}
}

func dayKey(providerID, date string) string { return providerID + "|" + date }

func sessionKey(providerID string, sessionID uuid.UUID, date string) string {
	return providerID + "|" + sessionID.String() + "|" + date
}

func (m *memAvailability) CreateSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.sessions {
		if s.Overlaps(other) {
			return domain.Session{}, store.ErrConflict
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *memAvailability) GetSession(ctx context.Context, id uuid.UUID) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (m *memAvailability) ListSessions(ctx context.Context, providerID string) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.ProviderID == providerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *memAvailability) UpdateSession(ctx context.Context, id uuid.UUID, patch domain.SessionPatch) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, store.ErrNotFound
	}
	updated := patch.Apply(s)
	for _, other := range m.sessions {
		if updated.Overlaps(other) {
			return domain.Session{}, store.ErrConflict
		}
	}
	m.sessions[id] = updated
	return updated, nil
}

func (m *memAvailability) DeleteSession(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *memAvailability) AddUnavailableDay(ctx context.Context, providerID, date string) (domain.UnavailableDay, bool, error) {
	if m.beforeAddDay != nil {
		m.beforeAddDay()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.days[dayKey(providerID, date)]; ok {
		return d, false, nil
	}
	d := domain.UnavailableDay{ID: uuid.New(), ProviderID: providerID, Date: date}
	m.days[dayKey(providerID, date)] = d
	return d, true, nil
}

func (m *memAvailability) RemoveUnavailableDay(ctx context.Context, providerID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.days[dayKey(providerID, date)]; !ok {
		return store.ErrNotFound
	}
	delete(m.days, dayKey(providerID, date))
	return nil
}

func (m *memAvailability) AddUnavailableSession(ctx context.Context, providerID string, sessionID uuid.UUID, date string) (domain.UnavailableSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionKey(providerID, sessionID, date)
	if s, ok := m.blocked[k]; ok {
		return s, false, nil
	}
	s := domain.UnavailableSession{ID: uuid.New(), ProviderID: providerID, SessionID: sessionID, Date: date}
	m.blocked[k] = s
	return s, true, nil
}

func (m *memAvailability) RemoveUnavailableSession(ctx context.Context, providerID string, sessionID uuid.UUID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionKey(providerID, sessionID, date)
	if _, ok := m.blocked[k]; !ok {
		return store.ErrNotFound
	}
	delete(m.blocked, k)
	return nil
}

func (m *memAvailability) ListUnavailableDays(ctx context.Context, providerID, fromDate string) ([]domain.UnavailableDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.UnavailableDay{}
	for _, d := range m.days {
		if d.ProviderID == providerID && d.Date >= fromDate {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *memAvailability) ListUnavailableSessions(ctx context.Context, providerID, fromDate string) ([]domain.UnavailableSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.UnavailableSession{}
	for _, s := range m.blocked {
		if s.ProviderID == providerID && s.Date >= fromDate {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *memAvailability) HasException(ctx context.Context, providerID string, sessionID uuid.UUID, date string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.days[dayKey(providerID, date)]; ok {
		return true, nil
	}
	_, ok := m.blocked[sessionKey(providerID, sessionID, date)]
	return ok, nil
}

func (m *memAvailability) ListOccurrences(ctx context.Context, providerID, fromDate, toDate string) ([]domain.Occurrence, error) {
	sessions, _ := m.ListSessions(ctx, providerID)
	days, _ := m.ListUnavailableDays(ctx, providerID, fromDate)
	blocked, _ := m.ListUnavailableSessions(ctx, providerID, fromDate)
	occs, err := domain.ExpandOccurrences(sessions, fromDate, toDate, m.loc)
	if err != nil {
		return nil, err
	}
	return domain.ApplyExceptions(occs, days, blocked), nil
}

type memBookings struct {
	mu    sync.Mutex
	appts map[uuid.UUID]domain.Appointment

	// beforeSetPayment runs without the lock held, ahead of SetPayment. A
	// non-nil error is returned in place of the write.
	beforeSetPayment func(id uuid.UUID) error
	// afterCreate runs without the lock held, once Create has stored the row.
	afterCreate func(appt domain.Appointment)
	findBySlotCalls int
}

var _ store.BookingStore = (*memBookings)(nil)

func newMemBookings() *memBookings {
	return &memBookings{appts: map[uuid.UUID]domain.Appointment{}}
}

func (m *memBookings) put(a domain.Appointment) domain.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.appts[a.ID] = a
	return a
}

func (m *memBookings) get(id uuid.UUID) domain.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appts[id]
}

func (m *memBookings) Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	out, err := m.create(appt)
	if err == nil && m.afterCreate != nil {
		m.afterCreate(out)
	}
	return out, err
}

func (m *memBookings) create(appt domain.Appointment) (domain.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.Status.Active() && a.ProviderID == appt.ProviderID && a.Date == appt.Date && a.SlotID == appt.SlotID {
			return domain.Appointment{}, store.ErrConflict
		}
	}
	appt.ID = uuid.New()
	m.appts[appt.ID] = appt
	return appt, nil
}

func (m *memBookings) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (m *memBookings) FindBySlot(ctx context.Context, providerID, date, slotID string) (domain.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findBySlotCalls++
	for _, a := range m.appts {
		if a.Status.Active() && a.ProviderID == providerID && a.Date == date && a.SlotID == slotID {
			return a, nil
		}
	}
	return domain.Appointment{}, store.ErrNotFound
}

func (m *memBookings) FindActive(ctx context.Context, filter domain.AppointmentFilter) ([]domain.Appointment, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = []domain.AppointmentStatus{domain.AppointmentStatusBooked, domain.AppointmentStatusCompleted}
	}
	return m.List(ctx, filter)
}

func (m *memBookings) List(ctx context.Context, filter domain.AppointmentFilter) ([]domain.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Appointment{}
	for _, a := range m.appts {
		if filter.Matches(a) {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memBookings) BulkTransition(ctx context.Context, filter domain.AppointmentFilter, t domain.Transition) ([]domain.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filter.Limit = 0
	var out []domain.Appointment
	for id, a := range m.appts {
		if !filter.Matches(a) {
			continue
		}
		a.Status = t.Status
		a.RefundPending = t.RefundPending
		if t.PaymentStatus != "" {
			a.PaymentStatus = t.PaymentStatus
		}
		if t.CancelReason != "" {
			a.CancelReason = t.CancelReason
		}
		m.appts[id] = a
		out = append(out, a)
	}
	sortAppointments(out)
	return out, nil
}

func (m *memBookings) BookedSlots(ctx context.Context, providerID, date string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.appts {
		if a.Status.Active() && a.ProviderID == providerID && a.Date == date {
			out = append(out, a.SlotID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memBookings) SetPayment(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, transactionID string) (domain.Appointment, error) {
	if m.beforeSetPayment != nil {
		if err := m.beforeSetPayment(id); err != nil {
			return domain.Appointment{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	a.PaymentStatus = status
	if transactionID != "" {
		a.TransactionID = transactionID
	}
	m.appts[id] = a
	return a, nil
}

func (m *memBookings) MarkRefunded(ctx context.Context, id uuid.UUID, refundTxnID *uuid.UUID) (domain.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	a.RefundPending = false
	if refundTxnID != nil {
		txn := *refundTxnID
		a.RefundTransactionID = &txn
		a.PaymentStatus = domain.PaymentStatusRefunded
	}
	m.appts[id] = a
	return a, nil
}

func sortAppointments(appts []domain.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if !appts[i].StartTime.Equal(appts[j].StartTime) {
			return appts[i].StartTime.Before(appts[j].StartTime)
		}
		return appts[i].ID.String() < appts[j].ID.String()
	})
}

type ledgerKey struct {
	appointmentID uuid.UUID
	purpose       domain.PaymentPurpose
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	txns     []domain.Transaction
	keys     map[ledgerKey]domain.Transaction

	// failFn, when set, decides whether an adjustment fails before any money moves.
	failFn func(accountID string, draft domain.TransactionDraft) error
}

func newMemLedger() *memLedger {
	return &memLedger{balances: map[string]int64{}, keys: map[ledgerKey]domain.Transaction{}}
}

func (m *memLedger) ApplyAdjustment(ctx context.Context, accountID string, delta int64, draft domain.TransactionDraft) (domain.Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFn != nil {
		if err := m.failFn(accountID, draft); err != nil {
			return domain.Adjustment{}, err
		}
	}
	if draft.AppointmentID != nil {
		if txn, ok := m.keys[ledgerKey{*draft.AppointmentID, draft.PaymentFor}]; ok {
			return domain.Adjustment{NewBalance: m.balances[accountID], Transaction: txn, Replayed: true}, nil
		}
	}
	if m.balances[accountID]+delta < 0 {
		return domain.Adjustment{}, store.ErrInsufficientFunds
	}
	m.balances[accountID] += delta

	txn := draft.Transaction(accountID, time.Now())
	txn.ID = uuid.New()
	txn.BalanceAfter = m.balances[accountID]
	m.txns = append(m.txns, txn)
	if draft.AppointmentID != nil {
		m.keys[ledgerKey{*draft.AppointmentID, draft.PaymentFor}] = txn
	}
	return domain.Adjustment{NewBalance: m.balances[accountID], Transaction: txn}, nil
}

func (m *memLedger) FindTransaction(ctx context.Context, appointmentID uuid.UUID, purpose domain.PaymentPurpose) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.keys[ledgerKey{appointmentID, purpose}]
	if !ok {
		return domain.Transaction{}, store.ErrNotFound
	}
	return txn, nil
}

func (m *memLedger) balance(accountID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID]
}

func (m *memLedger) count(purpose domain.PaymentPurpose) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.txns {
		if t.PaymentFor == purpose {
			n++
		}
	}
	return n
}

func (m *memLedger) refundsFor(appointmentID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.txns {
		if t.PaymentFor == domain.PaymentForRefund && t.AppointmentID != nil && *t.AppointmentID == appointmentID {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu      sync.Mutex
	reasons []string
	appts   []domain.Appointment
	err     error
}

func (n *recordingNotifier) AppointmentsCancelled(ctx context.Context, reason string, appts []domain.Appointment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
	n.appts = append(n.appts, appts...)
	return n.err
}

type recordingRetrier struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recordingRetrier) EnqueueRefundRetry(ctx context.Context, appointmentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, appointmentID)
	return nil
}

func (r *recordingRetrier) enqueued() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.ids...)
}
