package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/trustgroup-service/internal/domain"
)

func (h *Handlers) CreateWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req domain.CreateWalletRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	wallet, err := h.service.CreateWallet(r.Context(), groupID, userID, req)
	if err != nil {
		writeError(w, "create_wallet", err)
		return
	}
	writeData(w, http.StatusCreated, wallet)
}

func (h *Handlers) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	wallet, err := h.service.GetWallet(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, "get_wallet", err)
		return
	}
	writeData(w, http.StatusOK, wallet)
}

func (h *Handlers) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req struct {
		PIN string `json:"pin"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.VerifyPIN(r.Context(), groupID, userID, req.PIN); err != nil {
		writeError(w, "verify_pin", err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"verified": true})
}

func (h *Handlers) ChangePIN(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req struct {
		CurrentPIN string `json:"current_pin"`
		NewPIN     string `json:"new_pin"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.ChangePIN(r.Context(), groupID, userID, req.CurrentPIN, req.NewPIN); err != nil {
		writeError(w, "change_pin", err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"changed": true})
}

func (h *Handlers) UpdateWalletSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req struct {
		RequirePINForWithdrawal *bool `json:"require_pin_for_withdrawal"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RequirePINForWithdrawal == nil {
		writeBadRequest(w, "require_pin_for_withdrawal is required")
		return
	}
	wallet, err := h.service.UpdateWalletSettings(r.Context(), groupID, userID, *req.RequirePINForWithdrawal)
	if err != nil {
		writeError(w, "update_wallet_settings", err)
		return
	}
	writeData(w, http.StatusOK, wallet)
}

// Ledger

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handlers) Contribute(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ledgerTx, err := h.service.ContributeAsUser(r.Context(), groupID, userID, req.Amount)
	if err != nil {
		writeError(w, "contribute", err)
		return
	}
	writeData(w, http.StatusCreated, ledgerTx)
}

func (h *Handlers) ListLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	entries, err := h.service.ListLedger(r.Context(), groupID, userID, limitParam(r))
	if err != nil {
		writeError(w, "list_ledger", err)
		return
	}
	writeData(w, http.StatusOK, entries)
}

func (h *Handlers) MemberProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	memberID, ok := uuidParam(w, r, "memberID")
	if !ok {
		return
	}
	progress, err := h.service.MemberProgressForUser(r.Context(), memberID, userID)
	if err != nil {
		writeError(w, "member_progress", err)
		return
	}
	writeData(w, http.StatusOK, progress)
}

func (h *Handlers) MyWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	wallet, err := h.service.GetPersonalWallet(r.Context(), userID)
	if err != nil {
		writeError(w, "my_wallet", err)
		return
	}
	writeData(w, http.StatusOK, wallet)
}

// Withdrawals

func (h *Handlers) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req domain.WithdrawalRequestInput
	if !decodeJSON(w, r, &req) {
		return
	}
	withdrawal, err := h.service.RequestWithdrawal(r.Context(), groupID, userID, req)
	if err != nil {
		writeError(w, "request_withdrawal", err)
		return
	}
	writeData(w, http.StatusCreated, withdrawal)
}

func (h *Handlers) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	withdrawals, err := h.service.ListWithdrawals(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, "list_withdrawals", err)
		return
	}
	writeData(w, http.StatusOK, withdrawals)
}

func (h *Handlers) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	withdrawalID, ok := uuidParam(w, r, "withdrawalID")
	if !ok {
		return
	}
	withdrawal, err := h.service.GetWithdrawal(r.Context(), withdrawalID, userID)
	if err != nil {
		writeError(w, "get_withdrawal", err)
		return
	}
	writeData(w, http.StatusOK, withdrawal)
}

// Audit

func (h *Handlers) VerifyChain(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	report, err := h.service.VerifyChain(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, "verify_chain", err)
		return
	}
	writeData(w, http.StatusOK, report)
}

func (h *Handlers) EntityHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	blocks, err := h.service.EntityHistory(r.Context(), chi.URLParam(r, "entityID"), userID, limitParam(r))
	if err != nil {
		writeError(w, "entity_history", err)
		return
	}
	writeData(w, http.StatusOK, blocks)
}

// Internal

func (h *Handlers) InternalTopUp(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	wallet, err := h.service.TopUpPersonalWallet(r.Context(), userID, req.Amount)
	if err != nil {
		writeError(w, "internal_top_up", err)
		return
	}
	writeData(w, http.StatusOK, wallet)
}

func (h *Handlers) InternalCompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	withdrawalID, ok := uuidParam(w, r, "withdrawalID")
	if !ok {
		return
	}
	var req struct {
		Reference string `json:"reference"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	withdrawal, err := h.service.CompleteWithdrawal(r.Context(), withdrawalID, req.Reference)
	if err != nil {
		writeError(w, "internal_complete_withdrawal", err)
		return
	}
	writeData(w, http.StatusOK, withdrawal)
}

func (h *Handlers) InternalFailWithdrawal(w http.ResponseWriter, r *http.Request) {
	withdrawalID, ok := uuidParam(w, r, "withdrawalID")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	withdrawal, err := h.service.FailWithdrawal(r.Context(), withdrawalID, req.Reason)
	if err != nil {
		writeError(w, "internal_fail_withdrawal", err)
		return
	}
	writeData(w, http.StatusOK, withdrawal)
}
