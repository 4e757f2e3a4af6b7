// internal/circulation/handler.go
package circulation

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"libracirc/internal/calendar"
	"libracirc/internal/money"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler struct {
	service  Service
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
	}
}

// Routes mounts the circulation endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/loans", func(r chi.Router) {
		r.Post("/", h.HandleIssue)
		r.Get("/overdue", h.HandleOverdue)
		r.Get("/{id}", h.HandleGetLoan)
		r.Get("/{id}/events", h.HandleLoanEvents)
		r.Post("/{id}/return", h.HandleReturn)
		r.Post("/{id}/payments", h.HandlePayment)
	})
	r.Post("/accruals", h.HandleAccrual)
	r.Get("/items/{id}/availability", h.HandleAvailability)
	r.Get("/items/{id}/loans", h.HandleItemHistory)
	r.Get("/members/{id}/eligibility", h.HandleEligibility)
	r.Get("/members/{id}/fines", h.HandleMemberFines)
	r.Get("/members/{id}/loans", h.HandleMemberHistory)
}

// RateLimit rejects requests with 429 once limiter runs dry.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate_limited", Message: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type issueLoanRequest struct {
	ItemID   string `json:"item_id" validate:"required,uuid"`
	MemberID string `json:"member_id" validate:"required,uuid"`
	Today    string `json:"today" validate:"omitempty,datetime=2006-01-02"`
	DueDate  string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Notes    string `json:"notes" validate:"max=2000"`
}

type returnLoanRequest struct {
	Today      string `json:"today" validate:"omitempty,datetime=2006-01-02"`
	ReturnDate string `json:"return_date" validate:"omitempty,datetime=2006-01-02"`
	Notes      string `json:"notes" validate:"max=2000"`
}

type paymentRequest struct {
	Amount string `json:"amount" validate:"required"`
	Method string `json:"method"`
	Notes  string `json:"notes" validate:"max=2000"`
}

type overdueLoan struct {
	Loan
	DaysOverdue int `json:"days_overdue"`
}

type overdueResponse struct {
	AsOf             string        `json:"as_of"`
	Count            int           `json:"count"`
	TotalOutstanding money.Money   `json:"total_outstanding"`
	Loans            []overdueLoan `json:"loans"`
}

func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueLoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	today, _ := optionalDate(req.Today)
	var dueDate *time.Time
	if req.DueDate != "" {
		d, _ := calendar.Parse(req.DueDate)
		dueDate = &d
	}

	loan, err := h.service.IssueLoan(r.Context(), IssueRequest{
		ItemID:   uuid.MustParse(req.ItemID),
		MemberID: uuid.MustParse(req.MemberID),
		Today:    today,
		DueDate:  dueDate,
		Notes:    req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleLoanEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	events, err := h.service.LoanEvents(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req returnLoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	today, _ := optionalDate(req.Today)
	var returnDate *time.Time
	if req.ReturnDate != "" {
		d, _ := calendar.Parse(req.ReturnDate)
		returnDate = &d
	}

	loan, err := h.service.ReturnLoan(r.Context(), ReturnRequest{
		LoanID:     id,
		Today:      today,
		ReturnDate: returnDate,
		Notes:      req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	receipt, err := h.service.RecordPayment(r.Context(), PaymentRequest{
		LoanID: id,
		Amount: amount,
		Method: PaymentMethod(req.Method),
		Notes:  req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	asOf, ok := queryDate(w, r)
	if !ok {
		return
	}

	if asOf.IsZero() {
		asOf = calendar.Day(h.now())
	}

	resp := overdueResponse{AsOf: calendar.Format(asOf), TotalOutstanding: money.Zero, Loans: []overdueLoan{}}
	for loan, err := range h.service.ListOverdue(r.Context(), asOf) {
		if err != nil {
			h.writeError(w, err)
			return
		}
		resp.Loans = append(resp.Loans, overdueLoan{Loan: loan, DaysOverdue: loan.DaysOverdue(asOf)})
		resp.TotalOutstanding = resp.TotalOutstanding.Add(loan.Balance())
	}
	resp.Count = len(resp.Loans)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleAccrual(w http.ResponseWriter, r *http.Request) {
	asOf, ok := queryDate(w, r)
	if !ok {
		return
	}
	report, err := h.service.AccrueOverdue(r.Context(), asOf)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	availability, err := h.service.Availability(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

func (h *Handler) HandleItemHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	history, err := h.service.ItemHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) HandleEligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	asOf, ok := queryDate(w, r)
	if !ok {
		return
	}
	report, err := h.service.Eligibility(r.Context(), id, asOf)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleMemberFines(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.MemberFines(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) HandleMemberHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	asOf, ok := queryDate(w, r)
	if !ok {
		return
	}
	history, err := h.service.MemberHistory(r.Context(), id, asOf)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// decode reads and validates a JSON body. An empty body decodes to the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case IsRejection(err):
		status = http.StatusUnprocessableEntity
		message = err.Error()
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, ErrTransient):
		status = http.StatusServiceUnavailable
		message = ErrTransient.Error()
	default:
		h.logger.Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: KindOf(err), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// queryDate reads the optional as_of parameter. Zero means today.
func queryDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	asOf, err := optionalDate(r.URL.Query().Get("as_of"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "as_of must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return asOf, true
}

func optionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return calendar.Parse(s)
}
