package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/trustgroup-service/internal/domain"
)

const disbursementHandleTimeout = 15 * time.Second

// WithdrawalSettler is implemented by *Service.
type WithdrawalSettler interface {
	CompleteWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reference string) (*domain.WithdrawalRequest, error)
	FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string) (*domain.WithdrawalRequest, error)
}

// DisbursementStatusConsumer applies payout results reported by the disbursement service.
type DisbursementStatusConsumer struct {
	settler WithdrawalSettler
}

func NewDisbursementStatusConsumer(settler WithdrawalSettler) *DisbursementStatusConsumer {
	return &DisbursementStatusConsumer{settler: settler}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *DisbursementStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.DisbursementStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=disbursement_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	withdrawalID, err := uuid.Parse(strings.TrimSpace(event.WithdrawalID))
	if err != nil {
		log.Printf("level=warn component=disbursement_consumer msg=\"invalid withdrawal id\" event_id=%s withdrawal_id=%q", event.EventID, event.WithdrawalID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), disbursementHandleTimeout)
	defer cancel()

	if err := c.processEvent(ctx, withdrawalID, event); err != nil {
		if domain.KindOf(err) == domain.KindInfrastructure || errors.Is(err, context.DeadlineExceeded) {
			log.Printf("level=error component=disbursement_consumer msg=\"processing failed; requeueing\" withdrawal_id=%s err=%v", withdrawalID, err)
			return false
		}
		log.Printf("level=warn component=disbursement_consumer msg=\"event not applicable; acknowledging\" withdrawal_id=%s status=%s err=%v", withdrawalID, event.Status, err)
	}
	return true
}

func (c *DisbursementStatusConsumer) processEvent(ctx context.Context, withdrawalID uuid.UUID, event domain.DisbursementStatusEvent) error {
	switch normalizeDisbursementStatus(event.Status) {
	case "completed":
		_, err := c.settler.CompleteWithdrawal(ctx, withdrawalID, event.Reference)
		return err
	case "failed":
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			reason = "disbursement_failed"
		}
		_, err := c.settler.FailWithdrawal(ctx, withdrawalID, reason)
		return err
	default:
		log.Printf("level=info component=disbursement_consumer msg=\"ignoring intermediate status\" withdrawal_id=%s status=%s", withdrawalID, event.Status)
		return nil
	}
}

func normalizeDisbursementStatus(status string) string {
	status = strings.TrimSpace(strings.ToLower(status))
	switch status {
	case "completed", "successful", "success":
		return "completed"
	case "failed", "failure":
		return "failed"
	default:
		return status
	}
}
