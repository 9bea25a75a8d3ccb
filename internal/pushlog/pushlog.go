// Package pushlog reads the Mercurial pushlog (json-pushes) of a repository.
package pushlog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/cireport/internal/httputil"
	"github.com/nadmax/cireport/internal/middleware"
	"github.com/nadmax/cireport/internal/task"
)

const (
	DefaultBaseURL = "https://hg.mozilla.org"
	MergePrefix    = "Merge inbound"
)

type Changeset struct {
	Node   string `json:"node"`
	Author string `json:"author"`
	Branch string `json:"branch"`
	Desc   string `json:"desc"`
}

type Push struct {
	User       string      `json:"user"`
	Date       int64       `json:"date"`
	Changesets []Changeset `json:"changesets"`
}

// Pushes maps push IDs to pushes, as returned by json-pushes?full=1.
type Pushes map[string]Push

type Client struct {
	baseURL string
	retrier *httputil.Retrier
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		retrier: &httputil.Retrier{Client: middleware.InstrumentedClient(60 * time.Second)},
	}
}

// WithRetrier replaces the retry policy, mainly to shorten backoff in tests.
func (c *Client) WithRetrier(r *httputil.Retrier) *Client {
	c.retrier = r
	return c
}

// Pushes fetches the pushes of repo between firstDay and lastDay.
func (c *Client) Pushes(ctx context.Context, repo string, firstDay, lastDay time.Time) (Pushes, error) {
	endpoint := fmt.Sprintf("%s/%s/json-pushes?%s", c.baseURL, url.PathEscape(repo), url.Values{
		"full":      {"1"},
		"startdate": {firstDay.Format(task.DayLayout)},
		"enddate":   {lastDay.Format(task.DayLayout)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.retrier.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pushes for %s: %w", repo, err)
	}

	var pushes Pushes
	if err := httputil.DecodeJSON(resp, &pushes); err != nil {
		return nil, err
	}

	return pushes, nil
}

// MergeChangesets returns the nodes of changesets whose description starts
// with "Merge inbound", in push ID order.
func MergeChangesets(pushes Pushes) []string {
	ids := make([]string, 0, len(pushes))
	for id := range pushes {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, comparePushIDs)

	var merges []string
	for _, id := range ids {
		for _, cset := range pushes[id].Changesets {
			if strings.HasPrefix(cset.Desc, MergePrefix) {
				merges = append(merges, cset.Node)
			}
		}
	}

	return merges
}

func comparePushIDs(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na - nb
	}

	return strings.Compare(a, b)
}
