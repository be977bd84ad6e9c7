package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"finledger/internal/core"
	"finledger/internal/service"
	"finledger/internal/storage"
)

type API struct {
	ledger *service.Ledger
	logger *slog.Logger
}

func NewAPI(ledger *service.Ledger, logger *slog.Logger) *API {
	return &API{ledger: ledger, logger: logger}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func httpError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeOpError maps the ledger error taxonomy onto HTTP statuses. Unknown
// errors are store faults and stay opaque to the client.
func (a *API) writeOpError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidAmount), errors.Is(err, storage.ErrSameAccount):
		httpError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrAccountUnavailable),
		errors.Is(err, storage.ErrFromAccountUnavailable),
		errors.Is(err, storage.ErrToAccountUnavailable):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrInsufficientFunds):
		httpError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, storage.ErrDeadlockOrTimeout):
		httpError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error(op+" failed", "err", err)
		httpError(w, http.StatusInternalServerError, op+" failed")
	}
}

// genRef builds a caller-correlation token like dep-9f1c2ab4d0e3 when the
// request does not supply one.
func genRef(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type createAccountRequest struct {
	CustomerName   string          `json:"customer_name"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type accountResponse struct {
	ID           int             `json:"id"`
	CustomerName string          `json:"customer_name"`
	Balance      decimal.Decimal `json:"balance"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toAccountResponse(acc *core.Account) *accountResponse {
	return &accountResponse{
		ID:           acc.ID,
		CustomerName: acc.CustomerName,
		Balance:      acc.Balance,
		Status:       string(acc.Status),
		CreatedAt:    acc.CreatedAt,
	}
}

func (a *API) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.CustomerName == "" {
		httpError(w, http.StatusBadRequest, "customer_name is required")
		return
	}
	if req.OpeningBalance.IsNegative() {
		httpError(w, http.StatusBadRequest, "opening_balance must not be negative")
		return
	}

	id, err := a.ledger.CreateAccount(r.Context(), req.CustomerName, req.OpeningBalance)
	if err != nil {
		a.writeOpError(w, "create account", err)
		return
	}

	jsonResponse(w, http.StatusCreated, map[string]int{"id": id})
}

func (a *API) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	acc, err := a.ledger.GetAccount(r.Context(), id)
	if err != nil {
		a.writeOpError(w, "get account", err)
		return
	}

	jsonResponse(w, http.StatusOK, toAccountResponse(acc))
}

func (a *API) GetAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.ledger.ListAccounts(r.Context())
	if err != nil {
		a.writeOpError(w, "list accounts", err)
		return
	}

	resp := make([]*accountResponse, 0, len(accounts))
	for _, acc := range accounts {
		resp = append(resp, toAccountResponse(acc))
	}

	jsonResponse(w, http.StatusOK, map[string]any{"accounts": resp})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) SetAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	status := core.AccountStatus(req.Status)
	if status != core.AccountActive && status != core.AccountInactive {
		httpError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}

	if err := a.ledger.SetAccountStatus(r.Context(), id, status); err != nil {
		a.writeOpError(w, "set account status", err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"status": req.Status})
}

type paymentRequest struct {
	AccountID int             `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

func (a *API) DepositHandler(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ref := req.Reference
	if ref == "" {
		ref = genRef("dep")
	}

	if err := a.ledger.Deposit(r.Context(), req.AccountID, req.Amount, ref); err != nil {
		a.writeOpError(w, "deposit", err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"reference": ref})
}

func (a *API) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ref := req.Reference
	if ref == "" {
		ref = genRef("wd")
	}

	if err := a.ledger.Withdraw(r.Context(), req.AccountID, req.Amount, ref); err != nil {
		a.writeOpError(w, "withdraw", err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"reference": ref})
}

type transferRequest struct {
	FromID    int             `json:"from_id"`
	ToID      int             `json:"to_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

// TransferHandler retries lock-contention aborts a couple of times before
// giving up, since the fixed from-then-to lock order can deadlock under
// symmetric concurrent transfers.
func (a *API) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ref := req.Reference
	if ref == "" {
		ref = genRef("tx")
	}

	err := service.Retry(r.Context(), 3, 200*time.Millisecond, func() error {
		return a.ledger.TransferFunds(r.Context(), req.FromID, req.ToID, req.Amount, ref)
	})
	if err != nil {
		a.writeOpError(w, "transfer", err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"reference": ref})
}

type transactionResponse struct {
	ID            int             `json:"id"`
	FromAccountID *int            `json:"from_account_id,omitempty"`
	ToAccountID   *int            `json:"to_account_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Kind          string          `json:"kind"`
	Reference     string          `json:"reference,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toTransactionResponse(t *core.Transaction) *transactionResponse {
	return &transactionResponse{
		ID:            t.ID,
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		Amount:        t.Amount,
		Kind:          string(t.Kind),
		Reference:     t.Reference,
		Status:        string(t.Status),
		CreatedAt:     t.CreatedAt,
	}
}

func (a *API) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || accountID <= 0 {
		httpError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	txns, err := a.ledger.ListTransactions(r.Context(), accountID)
	if err != nil {
		a.writeOpError(w, "list transactions", err)
		return
	}

	resp := make([]*transactionResponse, 0, len(txns))
	for _, t := range txns {
		resp = append(resp, toTransactionResponse(t))
	}

	jsonResponse(w, http.StatusOK, map[string]any{"transactions": resp})
}

func (a *API) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")

	t, err := a.ledger.GetTransactionByRef(r.Context(), ref)
	if err != nil {
		if errors.Is(err, storage.ErrTransactionNotFound) {
			httpError(w, http.StatusNotFound, "transaction not found")
			return
		}
		a.writeOpError(w, "get transaction", err)
		return
	}

	jsonResponse(w, http.StatusOK, toTransactionResponse(t))
}

type auditEntryResponse struct {
	ID         int       `json:"id"`
	Operation  string    `json:"operation"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	Line       int       `json:"line,omitempty"`
	Context    string    `json:"context,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// GetErrorsHandler is the poll surface for the external monitoring layer:
// audit entries strictly after since_id, oldest first.
func (a *API) GetErrorsHandler(w http.ResponseWriter, r *http.Request) {
	sinceID, _ := strconv.Atoi(r.URL.Query().Get("since_id"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := a.ledger.ListErrorAudit(r.Context(), sinceID, limit)
	if err != nil {
		a.writeOpError(w, "list errors", err)
		return
	}

	resp := make([]*auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, &auditEntryResponse{
			ID:         e.ID,
			Operation:  e.Operation,
			Code:       e.Code,
			Message:    e.Message,
			Line:       e.Line,
			Context:    e.Context,
			OccurredAt: e.OccurredAt,
		})
	}

	jsonResponse(w, http.StatusOK, map[string]any{"errors": resp})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	issues, err := a.ledger.HealthCheck(r.Context())
	if err != nil {
		a.writeOpError(w, "health check", err)
		return
	}

	status := "ok"
	if len(issues) > 0 {
		status = "issues_found"
	}

	jsonResponse(w, http.StatusOK, map[string]any{"status": status, "issues": issues})
}
