package approval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-updater/metrics"
	"github.com/aluiziolira/go-price-updater/models"
	"github.com/aluiziolira/go-price-updater/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

type fixture struct {
	store   *store.Store
	queue   *Queue
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "approval-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	m := metrics.New()
	q := NewQueue(s, m, time.UTC)
	mux := http.NewServeMux()
	NewHandler(q).Register(mux)
	return &fixture{store: s, queue: q, metrics: m, mux: mux}
}

// flag seeds an item at oldPrice and opens a pending change to newPrice.
func (f *fixture) flag(t *testing.T, url, oldPrice, newPrice string) (itemID, pendingID int64) {
	t.Helper()
	ctx := context.Background()
	oldP := decimal.RequireFromString(oldPrice)
	newP := decimal.RequireFromString(newPrice)
	itemID, err := f.store.UpsertItem(ctx, "item "+url, url, oldP)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	pct := newP.Sub(oldP).Div(oldP).Mul(decimal.NewFromInt(100)).Round(2)
	pendingID, _, err = f.store.FlagItem(ctx, models.PendingPriceChange{
		ItemID:          itemID,
		OldPrice:        oldP,
		NewPrice:        newP,
		PercentChange:   pct,
		ReasonCode:      "extreme_change_" + pct.Abs().StringFixed(1) + "pct_exceeds_35pct_limit",
		ValidationLayer: "threshold_validation",
		Details:         models.ValidationDetails{Tier: "low_value", MaxAllowedPercent: decimal.NewFromInt(35), ActualPercent: pct},
	}, "flagged", time.Now())
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	return itemID, pendingID
}

func (f *fixture) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestApproveAppliesPriceAndLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	itemID, pendingID := f.flag(t, "http://example.test/dp/B000000001", "12.89", "102.99")

	res, err := f.queue.Approve(ctx, pendingID, "reviewer-1", "verified on site")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Change.Status != models.ApprovalApproved {
		t.Fatalf("status=%s", res.Change.Status)
	}

	item, err := f.store.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if !item.CurrentPrice.Equal(decimal.RequireFromString("102.99")) {
		t.Fatalf("price=%s, want 102.99", item.CurrentPrice)
	}

	history, err := f.queue.History(ctx, itemID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Source != models.SourceAdminOverride {
		t.Fatalf("history=%+v, want exactly one admin_override entry", history)
	}
	if !history[0].Delta.Equal(decimal.RequireFromString("90.10")) {
		t.Fatalf("delta=%s, want 90.10", history[0].Delta)
	}
	if got := testutil.ToFloat64(f.metrics.ApprovalsTotal.WithLabelValues("approved")); got != 1 {
		t.Fatalf("approval metric=%v, want 1", got)
	}

	_, err = f.queue.Reject(ctx, pendingID, "reviewer-2", "")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	item, err = f.store.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if !item.CurrentPrice.Equal(decimal.RequireFromString("102.99")) {
		t.Fatalf("conflicting reject changed price to %s", item.CurrentPrice)
	}
}

func TestRejectKeepsPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	itemID, pendingID := f.flag(t, "http://example.test/dp/B000000001", "30.00", "3.00")

	if _, err := f.queue.Reject(ctx, pendingID, "", "bad parse"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	change, err := f.queue.Get(ctx, pendingID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if change.Status != models.ApprovalRejected || change.ReviewedBy != "admin" || change.AdminNotes != "bad parse" {
		t.Fatalf("change=%+v", change)
	}
	item, err := f.store.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if !item.CurrentPrice.Equal(decimal.RequireFromString("30")) || item.RequiresApproval {
		t.Fatalf("price=%s requires_approval=%v", item.CurrentPrice, item.RequiresApproval)
	}
}

func TestBulkApproveIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, first := f.flag(t, "http://example.test/dp/B000000001", "10.00", "20.00")
	_, second := f.flag(t, "http://example.test/dp/B000000002", "10.00", "25.00")
	if _, err := f.queue.Reject(ctx, second, "admin", ""); err != nil {
		t.Fatalf("reject: %v", err)
	}

	results := f.queue.BulkApprove(ctx, []int64{first, second, 777}, "admin", "")
	if len(results) != 3 {
		t.Fatalf("results=%d, want 3", len(results))
	}
	if results[0].Error != "" || results[0].Status != models.ApprovalApproved {
		t.Fatalf("first=%+v", results[0])
	}
	if results[1].Error == "" || results[2].Error == "" {
		t.Fatalf("conflict and missing ids should fail: %+v", results)
	}
}

func TestListFiltersAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, a := f.flag(t, "http://example.test/dp/B000000001", "10.00", "20.00")
	f.flag(t, "http://example.test/dp/B000000002", "10.00", "25.00")
	if _, err := f.queue.Approve(ctx, a, "admin", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	page, err := f.queue.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.Limit != defaultLimit {
		t.Fatalf("default page total=%d items=%d limit=%d", page.Total, len(page.Items), page.Limit)
	}
	if page.Stats.Pending != 1 || page.Stats.ApprovedToday != 1 || page.Stats.TotalFlagged != 2 {
		t.Fatalf("stats=%+v", page.Stats)
	}

	all, err := f.queue.List(ctx, Filter{Status: "all", Limit: 1000})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if all.Total != 2 || all.Limit != maxLimit {
		t.Fatalf("all total=%d limit=%d", all.Total, all.Limit)
	}

	if _, err := f.queue.List(ctx, Filter{Status: "maybe"}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestStatsCountOnlyToday(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pendingID := f.flag(t, "http://example.test/dp/B000000001", "10.00", "20.00")

	f.queue.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	if _, err := f.queue.Approve(ctx, pendingID, "admin", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	f.queue.now = time.Now

	stats, err := f.queue.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ApprovedToday != 0 || stats.TotalFlagged != 1 {
		t.Fatalf("stats=%+v, old approval must not count as today", stats)
	}
}

func TestHandlerApproveStatusCodes(t *testing.T) {
	f := newFixture(t)
	_, pendingID := f.flag(t, "http://example.test/dp/B000000001", "12.89", "102.99")
	target := "/api/price-approvals/" + itoa(pendingID) + "/approve"

	rec := f.do(t, http.MethodPost, target, `{"notes":"looks right"}`, map[string]string{ReviewerHeader: "alex"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve code=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Change  models.PendingPriceChange  `json:"change"`
		History *models.PriceHistoryEntry `json:"history"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Change.ReviewedBy != "alex" || body.History == nil || body.History.Source != models.SourceAdminOverride {
		t.Fatalf("body=%+v", body)
	}

	if rec := f.do(t, http.MethodPost, target, "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second approve code=%d, want 409", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/price-approvals/9999/reject", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id code=%d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/price-approvals/abc/approve", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id code=%d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, target, "{", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json code=%d, want 400", rec.Code)
	}
}

func TestHandlerListAndHistory(t *testing.T) {
	f := newFixture(t)
	itemID, pendingID := f.flag(t, "http://example.test/dp/B000000001", "12.89", "102.99")

	rec := f.do(t, http.MethodGet, "/api/price-approvals?status=pending&limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list code=%d", rec.Code)
	}
	var page Page
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Items[0].ID != pendingID || page.Items[0].ItemTitle == "" {
		t.Fatalf("page=%+v", page)
	}

	if rec := f.do(t, http.MethodGet, "/api/price-approvals?status=unknown", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status code=%d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/price-approvals?limit=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid limit code=%d, want 400", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/api/price-approvals/"+itoa(pendingID)+"/approve", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("approve code=%d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/price-history?item_id="+itoa(itemID), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history code=%d", rec.Code)
	}
	var history struct {
		Items []models.PriceHistoryEntry `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Items) != 1 || !history.Items[0].NewPrice.Equal(decimal.RequireFromString("102.99")) {
		t.Fatalf("history=%+v", history.Items)
	}
}

func TestHandlerBulkReject(t *testing.T) {
	f := newFixture(t)
	_, a := f.flag(t, "http://example.test/dp/B000000001", "10.00", "20.00")
	_, b := f.flag(t, "http://example.test/dp/B000000002", "10.00", "25.00")

	rec := f.do(t, http.MethodPost, "/api/price-approvals/bulk-reject", `{"ids":[`+itoa(a)+`,`+itoa(b)+`,4242]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk code=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Results   []BulkResult `json:"results"`
		Succeeded int          `json:"succeeded"`
		Failed    int          `json:"failed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Succeeded != 2 || body.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d", body.Succeeded, body.Failed)
	}

	if rec := f.do(t, http.MethodPost, "/api/price-approvals/bulk-reject", `{"ids":[]}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty ids code=%d, want 400", rec.Code)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
