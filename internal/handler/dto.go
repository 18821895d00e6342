package handler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/raise-allocation/internal/allocation"
	"github.com/mmeshcher/raise-allocation/internal/model"
	"github.com/mmeshcher/raise-allocation/internal/validation"
)

type createPoolRequest struct {
	BusinessID           string          `json:"business_id"`
	Title                string          `json:"title"`
	GoalCents            int64           `json:"goal_cents"`
	MinContributionCents int64           `json:"min_contribution_cents"`
	MaxContributionCents int64           `json:"max_contribution_cents"`
	Instrument           string          `json:"instrument"`
	Terms                json.RawMessage `json:"terms"`
	ExpiresAt            time.Time       `json:"expires_at"`
}

func (req createPoolRequest) toInput() (validation.PoolInput, error) {
	terms, err := model.DecodeTerms(model.InstrumentType(strings.ToUpper(req.Instrument)), req.Terms)
	if err != nil {
		return validation.PoolInput{}, fmt.Errorf("%w: %w", validation.ErrInvalidInput, err)
	}
	return validation.PoolInput{
		BusinessID:           req.BusinessID,
		Title:                req.Title,
		GoalCents:            req.GoalCents,
		MinContributionCents: req.MinContributionCents,
		MaxContributionCents: req.MaxContributionCents,
		Terms:                terms,
		ExpiresAt:            req.ExpiresAt,
	}, nil
}

type poolResponse struct {
	ID                   string          `json:"id"`
	BusinessID           string          `json:"business_id"`
	Title                string          `json:"title"`
	GoalCents            int64           `json:"goal_cents"`
	RaisedCents          int64           `json:"raised_cents"`
	MinContributionCents int64           `json:"min_contribution_cents"`
	MaxContributionCents int64           `json:"max_contribution_cents,omitempty"`
	Instrument           string          `json:"instrument"`
	Terms                json.RawMessage `json:"terms"`
	Status               string          `json:"status"`
	ExpiresAt            string          `json:"expires_at"`
	CreatedAt            string          `json:"created_at"`
}

func newPoolResponse(p model.Pool) (poolResponse, error) {
	typ, terms, err := model.EncodeTerms(p.Terms)
	if err != nil {
		return poolResponse{}, err
	}
	return poolResponse{
		ID:                   p.ID,
		BusinessID:           p.BusinessID,
		Title:                p.Title,
		GoalCents:            p.GoalCents,
		RaisedCents:          p.RaisedCents,
		MinContributionCents: p.MinContributionCents,
		MaxContributionCents: p.MaxContributionCents,
		Instrument:           string(typ),
		Terms:                terms,
		Status:               string(p.Status),
		ExpiresAt:            p.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:            p.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

type poolDetailsResponse struct {
	poolResponse
	RemainingCents   int64 `json:"remaining_cents"`
	ContributorCount int   `json:"contributor_count"`
	DaysRemaining    int   `json:"days_remaining"`
	AcceptingFunds   bool  `json:"accepting_funds"`
}

type extendRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type investRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type investResponse struct {
	ContributionID string `json:"contribution_id"`
	AmountCents    int64  `json:"amount_cents"`
	Status         string `json:"status"`
	ClientSecret   string `json:"client_secret"`
	Clipped        bool   `json:"clipped"`
}

type allocationResponse struct {
	ContributionID    string          `json:"contribution_id"`
	ContributorID     string          `json:"contributor_id"`
	CertificateNumber string          `json:"certificate_number"`
	Instrument        string          `json:"instrument"`
	Grant             json.RawMessage `json:"grant"`
	CreatedAt         string          `json:"created_at,omitempty"`
}

func newAllocationResponses(list []model.Allocation) ([]allocationResponse, error) {
	resp := make([]allocationResponse, 0, len(list))
	for _, a := range list {
		typ, grant, err := model.EncodeGrant(a.Grant)
		if err != nil {
			return nil, err
		}
		item := allocationResponse{
			ContributionID:    a.ContributionID,
			ContributorID:     a.ContributorID,
			CertificateNumber: a.CertificateNumber,
			Instrument:        string(typ),
			Grant:             grant,
		}
		if !a.CreatedAt.IsZero() {
			item.CreatedAt = a.CreatedAt.UTC().Format(time.RFC3339)
		}
		resp = append(resp, item)
	}
	return resp, nil
}

type previewResponse struct {
	Allocations                  []allocationResponse `json:"allocations"`
	TotalPrincipalAllocatedCents int64                `json:"total_principal_allocated_cents"`
	RemainingGoalCents           int64                `json:"remaining_goal_cents"`
}

func newPreviewResponse(res allocation.Result) (previewResponse, error) {
	list, err := newAllocationResponses(res.Allocations)
	if err != nil {
		return previewResponse{}, err
	}
	return previewResponse{
		Allocations:                  list,
		TotalPrincipalAllocatedCents: res.TotalPrincipalAllocatedCents,
		RemainingGoalCents:           res.RemainingGoalCents,
	}, nil
}

type auditResponse struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}
