package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPUpstream fetches a tenant's budget view from the authoritative
// upstream budget service over plain HTTP/JSON, the "upstream budget
// collaborator" spec.md treats as an external interface it does not
// define the implementation of.
type HTTPUpstream struct {
	baseURL string
	client  *http.Client
}

func NewHTTPUpstream(baseURL string, client *http.Client) *HTTPUpstream {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPUpstream{baseURL: baseURL, client: client}
}

type budgetResponse struct {
	CommittedMicro int64 `json:"committed_micro"`
	ReservedMicro  int64 `json:"reserved_micro"`
	LimitMicro     int64 `json:"limit_micro"`
}

func (u *HTTPUpstream) FetchBudget(ctx context.Context, tenantID string) (committed, reserved, limit int64, err error) {
	url := fmt.Sprintf("%s/budget/%s", u.baseURL, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, 0, err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, 0, 0, fmt.Errorf("reconcile: upstream budget service returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, 0, fmt.Errorf("reconcile: unexpected upstream status %d", resp.StatusCode)
	}

	var br budgetResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return 0, 0, 0, err
	}
	return br.CommittedMicro, br.ReservedMicro, br.LimitMicro, nil
}
