package api

import "net/http"

func (a *API) Router() http.Handler {
	mux := http.NewServeMux()

	// Account routes
	mux.HandleFunc("POST /api/v1/accounts", a.CreateAccountHandler)
	mux.HandleFunc("GET /api/v1/accounts", a.GetAccountsHandler)
	mux.HandleFunc("GET /api/v1/accounts/{id}", a.GetAccountHandler)
	mux.HandleFunc("PATCH /api/v1/accounts/{id}/status", a.SetAccountStatusHandler)

	// Transaction routes
	mux.HandleFunc("POST /api/v1/transactions/deposit", a.DepositHandler)
	mux.HandleFunc("POST /api/v1/transactions/withdraw", a.WithdrawHandler)
	mux.HandleFunc("POST /api/v1/transactions/transfer", a.TransferHandler)
	mux.HandleFunc("GET /api/v1/accounts/{id}/transactions", a.GetTransactionsHandler)
	mux.HandleFunc("GET /api/v1/transactions/{ref}", a.GetTransactionHandler)

	// Monitoring read surface
	mux.HandleFunc("GET /api/v1/errors", a.GetErrorsHandler)
	mux.HandleFunc("GET /api/v1/health", a.HealthHandler)

	return a.LoggingMiddleware(mux)
}
