/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  billing and compare types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

FIGURES:
  Derived prices come with a *_state companion:
    "value"        number present
    "incomparable" null, inputs exist but cannot be compared (zero units)
    "absent"       null, does not apply (e.g. percent with zero base price)

SEE ALSO:
  - handlers.go: Uses these types
  - billing/figure.go: Figure states
*/
package api

import (
	"time"

	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/compare"
)

// =============================================================================
// COMPARISONS
// =============================================================================

type ComparisonRowDTO struct {
	ClientID    int64  `json:"client_id"`
	ClientName  string `json:"client_name"`
	ServiceID   int64  `json:"service_id"`
	ServiceName string `json:"service_name"`

	PreviousTotal float64 `json:"previous_total"`
	PreviousUnits float64 `json:"previous_units"`
	PreviousRef   string  `json:"previous_ref,omitempty"`
	CurrentTotal  float64 `json:"current_total"`
	CurrentUnits  float64 `json:"current_units"`
	CurrentRef    string  `json:"current_ref,omitempty"`

	ManagerUserID *int64 `json:"manager_user_id"`
	ManagerName   string `json:"manager_name"`

	PreviousUnitPrice      *float64 `json:"previous_unit_price"`
	PreviousUnitPriceState string   `json:"previous_unit_price_state"`
	CurrentUnitPrice       *float64 `json:"current_unit_price"`
	CurrentUnitPriceState  string   `json:"current_unit_price_state"`
	DeltaPrice             *float64 `json:"delta_price"`
	DeltaPriceState        string   `json:"delta_price_state"`
	PercentDelta           *float64 `json:"percent_delta"`
	PercentDeltaState      string   `json:"percent_delta_state"`

	IsMissing     bool   `json:"is_missing"`
	IsNew         bool   `json:"is_new"`
	MissingReason string `json:"missing_reason,omitempty"`
	Class         string `json:"class"`
}

type ComparisonDTO struct {
	Period   string             `json:"period"`
	Previous string             `json:"previous"`
	ClientID *int64             `json:"client_id,omitempty"`
	Rows     []ComparisonRowDTO `json:"rows"`
	Counts   compare.Counts     `json:"counts"`
}

type PeriodComparisonDTO struct {
	A      []string           `json:"a"`
	B      []string           `json:"b"`
	Rows   []ComparisonRowDTO `json:"rows"`
	Counts compare.Counts     `json:"counts"`
}

func toRowDTOs(rows []compare.Row) []ComparisonRowDTO {
	out := make([]ComparisonRowDTO, len(rows))
	for i, r := range rows {
		out[i] = ComparisonRowDTO{
			ClientID:               r.ClientID,
			ClientName:             r.ClientName,
			ServiceID:              r.ServiceID,
			ServiceName:            r.ServiceName,
			PreviousTotal:          r.PreviousTotal.InexactFloat64(),
			PreviousUnits:          r.PreviousUnits.InexactFloat64(),
			PreviousRef:            r.PreviousRef,
			CurrentTotal:           r.CurrentTotal.InexactFloat64(),
			CurrentUnits:           r.CurrentUnits.InexactFloat64(),
			CurrentRef:             r.CurrentRef,
			ManagerUserID:          r.ManagerUserID,
			ManagerName:            r.ManagerName,
			PreviousUnitPrice:      r.PreviousUnitPrice.Float64Ptr(),
			PreviousUnitPriceState: r.PreviousUnitPrice.State(),
			CurrentUnitPrice:       r.CurrentUnitPrice.Float64Ptr(),
			CurrentUnitPriceState:  r.CurrentUnitPrice.State(),
			DeltaPrice:             r.DeltaPrice.Float64Ptr(),
			DeltaPriceState:        r.DeltaPrice.State(),
			PercentDelta:           r.PercentDelta.Float64Ptr(),
			PercentDeltaState:      r.PercentDelta.State(),
			IsMissing:              r.IsMissing,
			IsNew:                  r.IsNew,
			MissingReason:          r.MissingReason,
			Class:                  string(compare.Classify(r)),
		}
	}
	return out
}

func yearMonths(yms []billing.YearMonth) []string {
	out := make([]string, len(yms))
	for i, ym := range yms {
		out[i] = ym.String()
	}
	return out
}

// =============================================================================
// CATALOG
// =============================================================================

type ClientDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ServiceDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID             int64    `json:"id"`
	Email          string   `json:"email"`
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	ManagerAliases []string `json:"manager_aliases"`
}

type CreateUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type UpdateAliasesRequest struct {
	Aliases []string `json:"aliases"`
}

func toUserDTO(u billing.User) UserDTO {
	aliases := u.ManagerAliases
	if aliases == nil {
		aliases = []string{}
	}
	return UserDTO{
		ID:             u.ID,
		Email:          u.Email,
		Name:           u.Name,
		Role:           string(u.Role),
		ManagerAliases: aliases,
	}
}

// =============================================================================
// LINES
// =============================================================================

// AssignManagerRequest sets or clears (null) the resolved manager of a line.
type AssignManagerRequest struct {
	ManagerUserID *int64 `json:"manager_user_id"`
}

type LineDTO struct {
	ID                int64   `json:"id"`
	Date              string  `json:"date"`
	ClientID          int64   `json:"client_id"`
	ServiceID         int64   `json:"service_id"`
	Units             float64 `json:"units"`
	Total             float64 `json:"total"`
	Manager           string  `json:"manager"`
	ManagerNormalized *string `json:"manager_normalized"`
	ManagerUserID     *int64  `json:"manager_user_id"`
	SourceFile        string  `json:"source_file"`
	Ref               string  `json:"ref,omitempty"`
}

func toLineDTO(l billing.InvoiceLine) LineDTO {
	return LineDTO{
		ID:                l.ID,
		Date:              l.Date.Format("2006-01-02"),
		ClientID:          l.ClientID,
		ServiceID:         l.ServiceID,
		Units:             l.Units.InexactFloat64(),
		Total:             l.Total.InexactFloat64(),
		Manager:           l.Manager,
		ManagerNormalized: l.ManagerNormalized,
		ManagerUserID:     l.ManagerUserID,
		SourceFile:        l.SourceFile,
		Ref:               compare.FormatRef(l.Series, l.Albaran, l.Numero),
	}
}

// =============================================================================
// SERVICE LINKS
// =============================================================================

type ServiceLinkDTO struct {
	ID              int64 `json:"id"`
	ServiceID       int64 `json:"service_id"`
	LinkedServiceID int64 `json:"linked_service_id"`
	OffsetMonths    int   `json:"offset_months"`
}

func toServiceLinkDTO(l billing.ServiceLink) ServiceLinkDTO {
	return ServiceLinkDTO{
		ID:              l.ID,
		ServiceID:       l.ServiceID,
		LinkedServiceID: l.LinkedServiceID,
		OffsetMonths:    l.OffsetMonths,
	}
}

// =============================================================================
// JOBS
// =============================================================================

type JobDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	SourceFile    string `json:"source_file,omitempty"`
	TotalRows     int    `json:"total_rows"`
	ProcessedRows int    `json:"processed_rows"`
	Result        int    `json:"result"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toJobDTO(j billing.Job) JobDTO {
	return JobDTO{
		ID:            j.ID,
		Kind:          j.Kind,
		Status:        string(j.Status),
		SourceFile:    j.SourceFile,
		TotalRows:     j.TotalRows,
		ProcessedRows: j.ProcessedRows,
		Result:        j.Result,
		Error:         j.Error,
		CreatedAt:     j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// SCENARIOS, ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Details   string   `json:"details,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}
