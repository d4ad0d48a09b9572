/**
 * @description
 * HTTP handlers for the trust-group API. Handlers parse the request, call the application
 * service with the authenticated user, and write the JSON envelope.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: service logic and models.
 */

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/app"
	"github.com/transfa/trustgroup-service/internal/domain"
)

const maxBodyBytes = 64 << 10

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service *app.Service
}

func NewHandlers(service *app.Service) *Handlers {
	return &Handlers{service: service}
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && err != io.EOF {
		writeBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeUnauthorized(w, "Could not get user ID from context")
		return "", false
	}
	return userID, true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeBadRequest(w, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit")))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// Groups

func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req domain.CreateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	group, err := h.service.CreateGroup(r.Context(), userID, req)
	if err != nil {
		writeError(w, "create_group", err)
		return
	}
	writeData(w, http.StatusCreated, group)
}

func (h *Handlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groups, err := h.service.ListGroupsForUser(r.Context(), userID)
	if err != nil {
		writeError(w, "list_groups", err)
		return
	}
	writeData(w, http.StatusOK, groups)
}

func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	group, err := h.service.GetGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, "get_group", err)
		return
	}
	writeData(w, http.StatusOK, group)
}

func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	members, err := h.service.ListMembers(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, "list_members", err)
		return
	}
	writeData(w, http.StatusOK, members)
}

func (h *Handlers) GroupStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	stats, err := h.service.GroupStats(r.Context(), groupID, userID)
	if err != nil {
		writeError(w, "group_stats", err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// groupStatusHandler builds the pause, resume and close handlers.
func groupStatusHandler(endpoint string, transition func(ctx context.Context, groupID uuid.UUID, actorUserID string) (*domain.TrustGroup, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		groupID, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		group, err := transition(r.Context(), groupID, userID)
		if err != nil {
			writeError(w, endpoint, err)
			return
		}
		writeData(w, http.StatusOK, group)
	}
}

func memberActionHandler(endpoint string, action func(ctx context.Context, groupID uuid.UUID, actorUserID string, memberID uuid.UUID) (*domain.Member, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		groupID, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		memberID, ok := uuidParam(w, r, "memberID")
		if !ok {
			return
		}
		member, err := action(r.Context(), groupID, userID, memberID)
		if err != nil {
			writeError(w, endpoint, err)
			return
		}
		writeData(w, http.StatusOK, member)
	}
}

func (h *Handlers) PauseGroup() http.HandlerFunc {
	return groupStatusHandler("pause_group", h.service.PauseGroup)
}

func (h *Handlers) ResumeGroup() http.HandlerFunc {
	return groupStatusHandler("resume_group", h.service.ResumeGroup)
}

func (h *Handlers) CloseGroup() http.HandlerFunc {
	return groupStatusHandler("close_group", h.service.CloseGroup)
}

func (h *Handlers) PromoteMember() http.HandlerFunc {
	return memberActionHandler("promote_member", h.service.PromoteMember)
}

func (h *Handlers) DemoteMember() http.HandlerFunc {
	return memberActionHandler("demote_member", h.service.DemoteMember)
}

func (h *Handlers) RemoveMember() http.HandlerFunc {
	return memberActionHandler("remove_member", h.service.RemoveMember)
}

// Applications and votes

func (h *Handlers) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	application, err := h.service.SubmitApplication(r.Context(), groupID, userID, req.Reason)
	if err != nil {
		writeError(w, "submit_application", err)
		return
	}
	writeData(w, http.StatusCreated, application)
}

func (h *Handlers) ListApplications(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "groupID")
	if !ok {
		return
	}
	var status *domain.ApplicationStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := domain.ApplicationStatus(strings.ToLower(raw))
		status = &parsed
	}
	applications, err := h.service.ListApplications(r.Context(), groupID, userID, status)
	if err != nil {
		writeError(w, "list_applications", err)
		return
	}
	writeData(w, http.StatusOK, applications)
}

func (h *Handlers) ReviewApplication(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	applicationID, ok := uuidParam(w, r, "applicationID")
	if !ok {
		return
	}
	var req struct {
		Decision domain.ReviewDecision `json:"decision"`
		Note     string                `json:"note"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	application, err := h.service.ReviewApplication(r.Context(), applicationID, userID, req.Decision, req.Note)
	if err != nil {
		writeError(w, "review_application", err)
		return
	}
	writeData(w, http.StatusOK, application)
}

type voteRequest struct {
	VoteType domain.VoteType `json:"vote_type"`
}

type votesResponse struct {
	Result *domain.VotingResult `json:"result"`
	Votes  []domain.Vote        `json:"votes"`
}

func (h *Handlers) castVote(kind domain.SubjectKind, param, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		subjectID, ok := uuidParam(w, r, param)
		if !ok {
			return
		}
		var req voteRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		result, err := h.service.CastVote(r.Context(), domain.Subject{Kind: kind, ID: subjectID}, userID, req.VoteType)
		if err != nil {
			writeError(w, endpoint, err)
			return
		}
		writeData(w, http.StatusCreated, result)
	}
}

func (h *Handlers) listVotes(kind domain.SubjectKind, param, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		subjectID, ok := uuidParam(w, r, param)
		if !ok {
			return
		}
		subject := domain.Subject{Kind: kind, ID: subjectID}
		result, err := h.service.VotingResults(r.Context(), subject, userID)
		if err != nil {
			writeError(w, endpoint, err)
			return
		}
		votes, err := h.service.ListVotes(r.Context(), subject, userID)
		if err != nil {
			writeError(w, endpoint, err)
			return
		}
		writeData(w, http.StatusOK, votesResponse{Result: result, Votes: votes})
	}
}

func (h *Handlers) CastMembershipVote() http.HandlerFunc {
	return h.castVote(domain.SubjectMembership, "applicationID", "cast_membership_vote")
}

func (h *Handlers) ListMembershipVotes() http.HandlerFunc {
	return h.listVotes(domain.SubjectMembership, "applicationID", "list_membership_votes")
}

func (h *Handlers) CastWithdrawalVote() http.HandlerFunc {
	return h.castVote(domain.SubjectWithdrawal, "withdrawalID", "cast_withdrawal_vote")
}

func (h *Handlers) ListWithdrawalVotes() http.HandlerFunc {
	return h.listVotes(domain.SubjectWithdrawal, "withdrawalID", "list_withdrawal_votes")
}
