package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	bookingDomain "github.com/campusride/service-booking/internal/domain/booking"
	paymentDomain "github.com/campusride/service-booking/internal/domain/payment"
	quoteDomain "github.com/campusride/service-booking/internal/domain/quote"
	tripDomain "github.com/campusride/service-booking/internal/domain/trip"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/campusride/service-booking/pkg/kafka"
	"github.com/google/uuid"
)

// clock is a settable time source shared by the coordinator and the ledger.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- Bookings ---

type memBookings struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*bookingDomain.Booking
	saveErr error
}

func newMemBookings() *memBookings {
	return &memBookings{rows: make(map[uuid.UUID]*bookingDomain.Booking)}
}

func cloneBooking(b *bookingDomain.Booking) *bookingDomain.Booking {
	return bookingDomain.ReconstructBooking(
		b.ID(), b.TripID(), b.RiderID(), b.SeatsBooked(), b.ReservationToken(), b.Status(),
		b.HoldExpiresAt(), b.ConfirmedAt(), b.CompletedAt(), b.CancelledAt(),
		b.CancelReason(), b.CompensationError(), b.Version(), b.CreatedAt(), b.UpdatedAt(),
	)
}

func (r *memBookings) FindByID(_ context.Context, id uuid.UUID) (*bookingDomain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.rows[id]
	if !ok {
		return nil, domain.NewNotFoundError("Booking", id.String())
	}
	return cloneBooking(b), nil
}

func (r *memBookings) FindByRiderID(_ context.Context, riderID uuid.UUID, page, limit int) ([]*bookingDomain.Booking, int64, error) {
	all := r.filter(func(b *bookingDomain.Booking) bool { return b.RiderID() == riderID })
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (r *memBookings) FindByReservationToken(_ context.Context, token uuid.UUID) (*bookingDomain.Booking, error) {
	found := r.filter(func(b *bookingDomain.Booking) bool { return b.ReservationToken() == token })
	if len(found) == 0 {
		return nil, domain.NewNotFoundError("Booking", token.String())
	}
	return found[0], nil
}

func (r *memBookings) FindByTripID(_ context.Context, tripID uuid.UUID) ([]*bookingDomain.Booking, error) {
	return r.filter(func(b *bookingDomain.Booking) bool { return b.TripID() == tripID }), nil
}

func (r *memBookings) FindExpiredPending(_ context.Context, now time.Time, limit int) ([]*bookingDomain.Booking, error) {
	found := r.filter(func(b *bookingDomain.Booking) bool {
		return b.Status() == bookingDomain.StatusPending && b.HoldExpiresAt().Before(now)
	})
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (r *memBookings) FindByStatus(_ context.Context, status bookingDomain.BookingStatus, limit int) ([]*bookingDomain.Booking, error) {
	found := r.filter(func(b *bookingDomain.Booking) bool { return b.Status() == status })
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (r *memBookings) ListAll(_ context.Context, status string, page, limit int) ([]*bookingDomain.Booking, int64, error) {
	all := r.filter(func(b *bookingDomain.Booking) bool { return status == "" || string(b.Status()) == status })
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (r *memBookings) CountByStatus(_ context.Context) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int64)
	for _, b := range r.rows {
		counts[string(b.Status())]++
	}
	return counts, nil
}

func (r *memBookings) Save(_ context.Context, b *bookingDomain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	if _, ok := r.rows[b.ID()]; ok {
		return domain.NewConflictError("booking already exists")
	}
	r.rows[b.ID()] = cloneBooking(b)
	return nil
}

func (r *memBookings) Update(_ context.Context, b *bookingDomain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[b.ID()]
	if !ok || cur.Version() != b.Version()-1 {
		return domain.NewConflictError("booking was modified by another transaction")
	}
	r.rows[b.ID()] = cloneBooking(b)
	return nil
}

func (r *memBookings) filter(keep func(*bookingDomain.Booking) bool) []*bookingDomain.Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bookingDomain.Booking
	for _, b := range r.rows {
		if keep(b) {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out
}

func (r *memBookings) all() []*bookingDomain.Booking {
	return r.filter(func(*bookingDomain.Booking) bool { return true })
}

// --- Trips and seats ---

type memTrips struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*tripDomain.Trip
}

func newMemTrips() *memTrips {
	return &memTrips{rows: make(map[uuid.UUID]*tripDomain.Trip)}
}

func (r *memTrips) FindByID(_ context.Context, id uuid.UUID) (*tripDomain.Trip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return nil, domain.NewNotFoundError("Trip", id.String())
	}
	return t, nil
}

func (r *memTrips) FindByDriverID(_ context.Context, driverID uuid.UUID, _, _ int) ([]*tripDomain.Trip, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*tripDomain.Trip
	for _, t := range r.rows {
		if t.DriverID() == driverID {
			out = append(out, t)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memTrips) Save(_ context.Context, t *tripDomain.Trip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[t.ID()] = t
	return nil
}

// memLedger serializes seat movements behind one mutex, the in-memory
// counterpart of the conditional UPDATE in GormSeatLedger.
type memLedger struct {
	mu           sync.Mutex
	clock        *clock
	total        map[uuid.UUID]int
	available    map[uuid.UUID]int
	reservations map[uuid.UUID]*tripDomain.Reservation
	releaseErr   error
	commitErr    error
	releases     int
}

func newMemLedger(c *clock) *memLedger {
	return &memLedger{
		clock:        c,
		total:        make(map[uuid.UUID]int),
		available:    make(map[uuid.UUID]int),
		reservations: make(map[uuid.UUID]*tripDomain.Reservation),
	}
}

func (l *memLedger) addTrip(t *tripDomain.Trip) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total[t.ID()] = t.SeatsTotal()
	l.available[t.ID()] = t.SeatsAvailable()
}

func (l *memLedger) Reserve(_ context.Context, tripID uuid.UUID, seats int, holdTTL time.Duration) (*tripDomain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	avail, ok := l.available[tripID]
	if !ok {
		return nil, domain.NewNotFoundError("Trip", tripID.String())
	}
	if avail < seats {
		return nil, domain.NewInsufficientSeatsError(seats, avail)
	}
	now := l.clock.Now()
	res := &tripDomain.Reservation{
		Token:     uuid.New(),
		TripID:    tripID,
		Seats:     seats,
		Status:    tripDomain.ReservationHeld,
		ExpiresAt: now.Add(holdTTL),
		CreatedAt: now,
	}
	l.available[tripID] = avail - seats
	l.reservations[res.Token] = res
	out := *res
	return &out, nil
}

func (l *memLedger) Release(_ context.Context, token uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.releaseErr != nil {
		return l.releaseErr
	}
	res, ok := l.reservations[token]
	if !ok {
		return domain.NewNotFoundError("Reservation", token.String())
	}
	if res.Status == tripDomain.ReservationReleased {
		return nil
	}
	res.Status = tripDomain.ReservationReleased
	l.available[res.TripID] += res.Seats
	l.releases++
	return nil
}

func (l *memLedger) Commit(_ context.Context, token uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.commitErr != nil {
		return l.commitErr
	}
	res, ok := l.reservations[token]
	if !ok {
		return domain.NewNotFoundError("Reservation", token.String())
	}
	switch res.Status {
	case tripDomain.ReservationHeld:
		res.Status = tripDomain.ReservationCommitted
		return nil
	case tripDomain.ReservationCommitted:
		return nil
	default:
		return domain.NewInvalidStateError(string(res.Status), string(tripDomain.ReservationCommitted))
	}
}

func (l *memLedger) Available(_ context.Context, tripID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available[tripID], nil
}

func (l *memLedger) ExpiredHolds(_ context.Context, now time.Time, limit int) ([]tripDomain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []tripDomain.Reservation
	for _, res := range l.reservations {
		if res.Expired(now) && len(out) < limit {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (l *memLedger) reservation(token uuid.UUID) tripDomain.Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.reservations[token]
}

func (l *memLedger) seats(tripID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available[tripID]
}

// --- Quotes ---

type memQuotes struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*quoteDomain.Quote
}

func newMemQuotes() *memQuotes {
	return &memQuotes{rows: make(map[uuid.UUID]*quoteDomain.Quote)}
}

func cloneQuote(q *quoteDomain.Quote) *quoteDomain.Quote {
	var final *int64
	if q.FinalPriceCents() != nil {
		v := *q.FinalPriceCents()
		final = &v
	}
	return quoteDomain.ReconstructQuote(q.ID(), q.BookingID(), q.MaxPriceCents(), final, q.Currency(), q.CreatedAt(), q.UpdatedAt())
}

func (r *memQuotes) FindByBookingID(_ context.Context, bookingID uuid.UUID) (*quoteDomain.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rows[bookingID]
	if !ok {
		return nil, domain.NewNotFoundError("Quote", bookingID.String())
	}
	return cloneQuote(q), nil
}

func (r *memQuotes) Save(_ context.Context, q *quoteDomain.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[q.BookingID()]; ok {
		return domain.NewConflictError("quote already exists for booking")
	}
	r.rows[q.BookingID()] = cloneQuote(q)
	return nil
}

func (r *memQuotes) SetFinalPrice(_ context.Context, q *quoteDomain.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[q.BookingID()]
	if !ok {
		return domain.NewNotFoundError("Quote", q.BookingID().String())
	}
	if cur.FinalPriceCents() != nil && *cur.FinalPriceCents() != *q.FinalPriceCents() {
		return domain.NewConflictError("quote final price is already set")
	}
	r.rows[q.BookingID()] = cloneQuote(q)
	return nil
}

// --- Payments ---

type memPayments struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*paymentDomain.Payment
}

func newMemPayments() *memPayments {
	return &memPayments{rows: make(map[uuid.UUID]*paymentDomain.Payment)}
}

func clonePayment(p *paymentDomain.Payment) *paymentDomain.Payment {
	return paymentDomain.ReconstructPayment(
		p.ID(), p.BookingID(), p.IntentID(), p.AmountCents(), p.Currency(), p.Status(),
		p.Attempt(), p.FailureReason(), p.CapturedAt(), p.RefundedAt(), p.Version(),
		p.CreatedAt(), p.UpdatedAt(),
	)
}

func (r *memPayments) FindByBookingID(_ context.Context, bookingID uuid.UUID) (*paymentDomain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[bookingID]
	if !ok {
		return nil, domain.NewNotFoundError("Payment", bookingID.String())
	}
	return clonePayment(p), nil
}

func (r *memPayments) FindByIntentID(_ context.Context, intentID string) (*paymentDomain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rows {
		if p.IntentID() == intentID {
			return clonePayment(p), nil
		}
	}
	return nil, domain.NewNotFoundError("Payment", intentID)
}

func (r *memPayments) Save(_ context.Context, p *paymentDomain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[p.BookingID()]; ok {
		return domain.NewConflictError("payment already exists for booking")
	}
	r.rows[p.BookingID()] = clonePayment(p)
	return nil
}

func (r *memPayments) Update(_ context.Context, p *paymentDomain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[p.BookingID()]
	if !ok || cur.ID() != p.ID() || cur.Version() != p.Version()-1 {
		return domain.NewConflictError("payment was modified by another transaction")
	}
	r.rows[p.BookingID()] = clonePayment(p)
	return nil
}

func (r *memPayments) get(bookingID uuid.UUID) *paymentDomain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.rows[bookingID]; ok {
		return clonePayment(p)
	}
	return nil
}

// --- Quote Engine ---

type fakeEngine struct {
	mu    sync.Mutex
	price int64
	err   error
	calls int
}

func (e *fakeEngine) Estimate(_ context.Context, req quoteDomain.Request) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return 0, e.err
	}
	return e.price * int64(req.Riders), nil
}

func (e *fakeEngine) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// --- Payment Authorizer ---

// fault is an injected authorizer failure. When applied is set the
// operation takes effect upstream before the error is returned, which is
// how a timeout after the request landed looks to the caller.
type fault struct {
	kind    paymentDomain.ErrorKind
	applied bool
}

type fakeAuthorizer struct {
	mu      sync.Mutex
	seq     int
	intents map[string]*paymentDomain.Intent
	byKey   map[string]string
	faults  map[string][]fault
	calls   map[string]int

	// beforeCapture and afterCapture run outside the lock around Capture.
	beforeCapture func()
	afterCapture  func()
}

func newFakeAuthorizer() *fakeAuthorizer {
	return &fakeAuthorizer{
		intents: make(map[string]*paymentDomain.Intent),
		byKey:   make(map[string]string),
		faults:  make(map[string][]fault),
		calls:   make(map[string]int),
	}
}

func (a *fakeAuthorizer) failNext(op string, kind paymentDomain.ErrorKind, applied bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults[op] = append(a.faults[op], fault{kind: kind, applied: applied})
}

func (a *fakeAuthorizer) clearFaults() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults = make(map[string][]fault)
}

// begin counts the call and pops the next fault for op. Callers hold a.mu.
func (a *fakeAuthorizer) begin(op string) (fault, bool) {
	a.calls[op]++
	queue := a.faults[op]
	if len(queue) == 0 {
		return fault{}, false
	}
	a.faults[op] = queue[1:]
	return queue[0], true
}

func (a *fakeAuthorizer) count(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

func (a *fakeAuthorizer) status(intentID string) paymentDomain.IntentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if in, ok := a.intents[intentID]; ok {
		return in.Status
	}
	return ""
}

func (a *fakeAuthorizer) intentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.intents)
}

func (a *fakeAuthorizer) errFor(op string, f fault) error {
	return paymentDomain.NewAuthorizerError(f.kind, op, "injected "+string(f.kind), nil)
}

func (a *fakeAuthorizer) CreateIntent(_ context.Context, req paymentDomain.IntentRequest) (*paymentDomain.Intent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, faulted := a.begin("create")
	if faulted && !f.applied {
		return nil, a.errFor("create", f)
	}

	id, ok := a.byKey[req.IdempotencyKey]
	if !ok {
		a.seq++
		id = fmt.Sprintf("pi_%d", a.seq)
		a.intents[id] = &paymentDomain.Intent{
			ID:          id,
			Status:      paymentDomain.IntentPending,
			AmountCents: req.AmountCents,
			Currency:    req.Currency,
		}
		a.byKey[req.IdempotencyKey] = id
	}
	if faulted {
		return nil, a.errFor("create", f)
	}
	out := *a.intents[id]
	return &out, nil
}

// transition applies an upstream state change shared by capture, refund and
// cancel.
func (a *fakeAuthorizer) transition(op, intentID string, from, to paymentDomain.IntentStatus) (*paymentDomain.Intent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, faulted := a.begin(op)
	if faulted && !f.applied {
		return nil, a.errFor(op, f)
	}

	in, ok := a.intents[intentID]
	if !ok {
		return nil, paymentDomain.NewAuthorizerError(paymentDomain.ErrorNotFound, op, "no such intent", nil)
	}
	switch in.Status {
	case from:
		in.Status = to
	case to:
	default:
		return nil, paymentDomain.NewAuthorizerError(paymentDomain.ErrorInvalidState, op, "intent is "+string(in.Status), nil)
	}
	if faulted {
		return nil, a.errFor(op, f)
	}
	out := *in
	return &out, nil
}

func (a *fakeAuthorizer) Capture(_ context.Context, intentID, _ string) (*paymentDomain.Intent, error) {
	if a.beforeCapture != nil {
		a.beforeCapture()
	}
	in, err := a.transition("capture", intentID, paymentDomain.IntentPending, paymentDomain.IntentCaptured)
	if a.afterCapture != nil {
		a.afterCapture()
	}
	return in, err
}

func (a *fakeAuthorizer) Refund(_ context.Context, intentID, _ string) (*paymentDomain.Intent, error) {
	return a.transition("refund", intentID, paymentDomain.IntentCaptured, paymentDomain.IntentRefunded)
}

func (a *fakeAuthorizer) Cancel(_ context.Context, intentID, _ string) (*paymentDomain.Intent, error) {
	return a.transition("cancel", intentID, paymentDomain.IntentPending, paymentDomain.IntentCancelled)
}

func (a *fakeAuthorizer) Get(_ context.Context, intentID string) (*paymentDomain.Intent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, faulted := a.begin("get"); faulted {
		return nil, a.errFor("get", f)
	}
	in, ok := a.intents[intentID]
	if !ok {
		return nil, paymentDomain.NewAuthorizerError(paymentDomain.ErrorNotFound, "get", "no such intent", nil)
	}
	out := *in
	return &out, nil
}

func (a *fakeAuthorizer) Lookup(_ context.Context, key string) (*paymentDomain.Intent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, faulted := a.begin("lookup"); faulted {
		return nil, a.errFor("lookup", f)
	}
	id, ok := a.byKey[key]
	if !ok {
		return nil, paymentDomain.NewAuthorizerError(paymentDomain.ErrorNotFound, "lookup", "no intent for key", nil)
	}
	out := *a.intents[id]
	return &out, nil
}

// --- Events ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.CloudEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, _ string, event kafka.CloudEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
