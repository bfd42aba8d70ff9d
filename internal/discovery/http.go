package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/outreach-orchestrator/internal/model"
)

// HTTPDiscoverer queries an external discovery service:
//
//	GET {base}/contractors?tier=&project_type=&city=&state=&zip=&limit=&exclude=
//	GET {base}/availability?project_type=&city=&state=&zip=
type HTTPDiscoverer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDiscoverer(baseURL string, timeout time.Duration) *HTTPDiscoverer {
	return &HTTPDiscoverer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func locationParams(v url.Values, projectType string, loc model.Location) {
	v.Set("project_type", projectType)
	v.Set("city", loc.City)
	v.Set("state", loc.State)
	v.Set("zip", loc.Zip)
}

func (d *HTTPDiscoverer) get(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return nil
}

func (d *HTTPDiscoverer) Discover(ctx context.Context, q Query) ([]model.Contractor, error) {
	params := url.Values{}
	locationParams(params, q.ProjectType, q.Location)
	params.Set("tier", strconv.Itoa(q.Tier))
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(q.Exclude) > 0 {
		params.Set("exclude", strings.Join(q.Exclude, ","))
	}

	var out struct {
		Contractors []model.Contractor `json:"contractors"`
	}
	if err := d.get(ctx, "/contractors", params, &out); err != nil {
		return nil, err
	}
	return out.Contractors, nil
}

func (d *HTTPDiscoverer) Availability(ctx context.Context, projectType string, loc model.Location) (map[int]int, error) {
	params := url.Values{}
	locationParams(params, projectType, loc)

	var out struct {
		ByTier map[string]int `json:"by_tier"`
	}
	if err := d.get(ctx, "/availability", params, &out); err != nil {
		return nil, err
	}
	counts := map[int]int{}
	for k, n := range out.ByTier {
		tier, err := strconv.Atoi(k)
		if err != nil || !model.ValidTier(tier) {
			continue
		}
		counts[tier] = n
	}
	return counts, nil
}
