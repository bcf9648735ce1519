package evn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/evnsync/evnsync/pkg/common"
	"github.com/evnsync/evnsync/pkg/log"
	"github.com/evnsync/evnsync/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const (
	npcLoginPath        = "/cskh/v1/user/login"
	npcSwitchPath       = "/cskh/v1/user/switch/"
	npcDailyPath        = "/api/evn/tracuu/diennangngay"
	npcMonthlyPath      = "/api/evn/tracuu/diennangthang"
	npcBillPath         = "/api/evn/tracuu/hoadon"
	npcLoadsheddingPath = "/api/evn/tracuu/lichngungcungcap"
)

type npcSession struct {
	token  string
	expiry time.Time
}

// NPC implements the Adapter interface for the EVNNPC API. One login can back
// several customer codes, so after authenticating we may have to switch the
// session to the requested one.
type NPC struct {
	// authURL hosts login and account switching, apiURL the data lookups.
	authURL string
	apiURL  string
	client  *http.Client

	mu       sync.Mutex
	sessions map[string]*npcSession
}

// configuredNPC sets up flags for EVNNPC and returns the instance.
func configuredNPC() *NPC {
	n := &NPC{
		client:   common.HTTPClient(30 * time.Second),
		sessions: make(map[string]*npcSession),
	}
	authURL := lflag.String("npc-auth-url", "https://cskh.evn.com.vn", "Base URL for the EVNNPC auth API")
	apiURL := lflag.String("npc-api-url", "https://apicskhevn.npc.com.vn", "Base URL for the EVNNPC data API")

	lflag.Do(func() {
		n.authURL = *authURL
		n.apiURL = *apiURL
	})

	return n
}

// Validate ensures the configuration is valid.
func (n *NPC) Validate() error {
	for name, u := range map[string]string{"npc-auth-url": n.authURL, "npc-api-url": n.apiURL} {
		if u == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("failed to parse %s (%s): %w", name, u, err)
		}
	}
	return nil
}

// Login implements the Adapter interface.
func (n *NPC) Login(ctx context.Context, acct types.Account) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.ensureSession(ctx, acct)
	return err
}

type npcLoginResult struct {
	Data struct {
		AccessToken string `json:"accessToken"`
		Data        struct {
			MaKhang string `json:"maKhang"`
		} `json:"data"`
	} `json:"data"`
}

type npcSwitchResult struct {
	Data struct {
		AccessToken string `json:"accessToken"`
	} `json:"data"`
}

// ensureSession returns a valid session for the account, logging in and
// switching to the requested customer code when needed. Callers must hold
// n.mu.
func (n *NPC) ensureSession(ctx context.Context, acct types.Account) (*npcSession, error) {
	if s, ok := n.sessions[acct.CustomerID]; ok && time.Now().Before(s.expiry) {
		return s, nil
	}

	payload := map[string]any{
		"username": acct.Username,
		"password": acct.Password,
		"deviceInfo": map[string]string{
			"deviceId":   "evnsync-" + acct.CustomerID,
			"deviceType": "Android/EVNSync",
		},
	}

	var res npcLoginResult
	err := fetchWithRetries(n.client, func() (*http.Request, error) {
		return newJSONRequest(ctx, "POST", n.authURL+npcLoginPath, "", payload)
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("npc login failed: %w", err)
	}
	if res.Data.AccessToken == "" {
		return nil, fmt.Errorf("%w: login response missing access token", ErrInvalidAuth)
	}

	token := res.Data.AccessToken

	// the login may land on a sibling customer code under the same user;
	// switching must succeed or the session is useless for this account
	if res.Data.Data.MaKhang != acct.CustomerID {
		var sw npcSwitchResult
		err := fetchWithRetries(n.client, func() (*http.Request, error) {
			return newJSONRequest(ctx, "GET", n.authURL+npcSwitchPath+acct.CustomerID, token, nil)
		}, &sw)
		if err != nil {
			return nil, fmt.Errorf("%w: switching to customer %s: %s", ErrInvalidAuth, acct.CustomerID, err)
		}
		if sw.Data.AccessToken == "" {
			return nil, fmt.Errorf("%w: switch to customer %s returned no token", ErrInvalidAuth, acct.CustomerID)
		}
		token = sw.Data.AccessToken
		log.Ctx(ctx).DebugContext(ctx, "npc switched session",
			slog.String("from", res.Data.Data.MaKhang), slog.String("to", acct.CustomerID))
	}

	s := &npcSession{
		token: token,
		// the API does not report expiry; re-login hourly
		expiry: time.Now().Add(time.Hour),
	}
	n.sessions[acct.CustomerID] = s
	return s, nil
}

func (n *NPC) session(ctx context.Context, acct types.Account) (*npcSession, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ensureSession(ctx, acct)
}

type npcDayRow struct {
	Ngay     string `json:"NGAY"`
	ChiSoMoi string `json:"CHISO_MOI"`
}

type npcDayResult struct {
	Data []npcDayRow `json:"data"`
}

// fetchDayRows fetches meter indexes for the inclusive range. Rows come back
// newest first.
func (n *NPC) fetchDayRows(ctx context.Context, acct types.Account, s *npcSession, start, end types.Date) ([]npcDayRow, error) {
	payload := map[string]string{
		"MA_DVIQLY": acct.CustomerID[:6],
		"MA_DDO":    acct.CustomerID + "001",
		"TU_NGAY":   formatWireDay(start),
		"DEN_NGAY":  formatWireDay(end),
	}

	var res npcDayResult
	err := fetchWithRetries(n.client, func() (*http.Request, error) {
		return newJSONRequest(ctx, "POST", n.apiURL+npcDailyPath, s.token, payload)
	}, &res)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// FetchSummary implements the Adapter interface.
func (n *NPC) FetchSummary(ctx context.Context, acct types.Account) (types.Summary, error) {
	s, err := n.session(ctx, acct)
	if err != nil {
		return types.Summary{}, err
	}

	today := types.Today(vnLocation)
	start := billingPeriodStart(today, acct.BillingStartDay).Prev()

	rows, err := n.fetchDayRows(ctx, acct, s, start, today)
	if err != nil {
		return types.Summary{}, fmt.Errorf("fetching npc day rows: %w", err)
	}
	if len(rows) < 2 {
		return types.Summary{}, fmt.Errorf("%w: need at least 2 day rows, got %d", ErrEmpty, len(rows))
	}

	// rows are newest first
	latest := parseNumber(rows[0].ChiSoMoi)
	oldest := parseNumber(rows[len(rows)-1].ChiSoMoi)
	sum := types.Summary{
		CustomerID:   acct.CustomerID,
		LatestIndex:  &latest,
		FirstIndex:   &oldest,
		MonthKWH:     latest - oldest,
		YesterdayKWH: latest - parseNumber(rows[1].ChiSoMoi),
		FetchedAt:    time.Now(),
	}
	if d, err := parseWireDay(rows[0].Ngay); err == nil {
		sum.ToDate = d
	}
	if d, err := parseWireDay(rows[len(rows)-1].Ngay); err == nil {
		sum.FromDate = d
	}
	if len(rows) >= 3 {
		sum.PreviousDayKWH = parseNumber(rows[1].ChiSoMoi) - parseNumber(rows[2].ChiSoMoi)
		if d, err := parseWireDay(rows[1].Ngay); err == nil {
			sum.PreviousDate = d
		}
	}

	n.fillPayment(ctx, acct, s, &sum)
	n.fillLoadshedding(ctx, acct, s, start, today, &sum)
	return sum, nil
}

type npcBillRow struct {
	TtrangTtoan string  `json:"TTRANG_TTOAN"`
	TongTien    float64 `json:"TONG_TIEN"`
}

type npcBillResult struct {
	Data []npcBillRow `json:"data"`
}

func (n *NPC) fillPayment(ctx context.Context, acct types.Account, s *npcSession, sum *types.Summary) {
	sum.PaymentStatus = types.PaymentStatusUnavailable

	payload := map[string]string{
		"MA_DVIQLY": acct.CustomerID[:6],
		"MA_DDO":    acct.CustomerID + "001",
	}
	var res npcBillResult
	err := fetchWithRetries(n.client, func() (*http.Request, error) {
		return newJSONRequest(ctx, "POST", n.apiURL+npcBillPath, s.token, payload)
	}, &res)
	if err != nil || len(res.Data) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "npc bill lookup failed", slog.Any("error", err))
		return
	}

	if res.Data[0].TtrangTtoan == "CHUATT" {
		sum.PaymentStatus = types.PaymentStatusUnpaid
		sum.UnpaidAmount = int64(res.Data[0].TongTien)
	} else {
		sum.PaymentStatus = types.PaymentStatusPaid
	}
}

type npcLoadsheddingRow struct {
	ThoiGian string `json:"THOI_GIAN"`
	NoiDung  string `json:"NOI_DUNG"`
}

type npcLoadsheddingResult struct {
	Data []npcLoadsheddingRow `json:"data"`
}

func (n *NPC) fillLoadshedding(ctx context.Context, acct types.Account, s *npcSession, start, end types.Date, sum *types.Summary) {
	payload := map[string]string{
		"TU_NGAY":  formatWireDay(start),
		"DEN_NGAY": formatWireDay(end),
	}
	var res npcLoadsheddingResult
	err := fetchWithRetries(n.client, func() (*http.Request, error) {
		return newJSONRequest(ctx, "POST", n.apiURL+npcLoadsheddingPath, s.token, payload)
	}, &res)
	if err != nil || len(res.Data) == 0 {
		return
	}
	if res.Data[0].ThoiGian != "" {
		sum.PlannedOutage = res.Data[0].ThoiGian
	} else {
		sum.PlannedOutage = res.Data[0].NoiDung
	}
}

// FetchDailyRange implements the Adapter interface. Per-day consumption is
// the delta between consecutive meter indexes, so the range is widened by a
// day at the front.
func (n *NPC) FetchDailyRange(ctx context.Context, acct types.Account, start, end types.Date) ([]types.DailyRecord, error) {
	s, err := n.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	rows, err := n.fetchDayRows(ctx, acct, s, start.Prev(), end)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "npc daily fetch failed", slog.Any("error", err))
		return nil, nil
	}

	// rows are newest first: row i's consumption is its index minus the
	// previous day's
	var out []types.DailyRecord
	for i := 0; i+1 < len(rows); i++ {
		day, err := parseWireDay(rows[i].Ngay)
		if err != nil {
			continue
		}
		if day.Before(start) || day.After(end) {
			continue
		}
		out = append(out, types.DailyRecord{
			Date:           day,
			ConsumptionKWH: parseNumber(rows[i].ChiSoMoi) - parseNumber(rows[i+1].ChiSoMoi),
		})
	}
	return out, nil
}

type npcMonthRow struct {
	ThangNam string  `json:"THANG_NAM"`
	SLuong   float64 `json:"SLUONG"`
	TongTien float64 `json:"TONG_TIEN"`
	MaHDon   string  `json:"MA_HDON"`
}

type npcMonthResult struct {
	Data []npcMonthRow `json:"data"`
}

// FetchMonthlyRange implements the Adapter interface. NPC can issue more than
// one invoice per month so records carry the invoice id.
func (n *NPC) FetchMonthlyRange(ctx context.Context, acct types.Account, from, to types.Month) ([]types.MonthlyRecord, error) {
	s, err := n.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"MA_DVIQLY":     acct.CustomerID[:6],
		"MA_DDO":        acct.CustomerID + "001",
		"TU_THANG_NAM":  fmt.Sprintf("%02d/%d", from.Month, from.Year),
		"DEN_THANG_NAM": fmt.Sprintf("%02d/%d", to.Month, to.Year),
	}

	var res npcMonthResult
	err = fetchWithRetries(n.client, func() (*http.Request, error) {
		return newJSONRequest(ctx, "POST", n.apiURL+npcMonthlyPath, s.token, payload)
	}, &res)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "npc monthly fetch failed", slog.Any("error", err))
		return nil, nil
	}

	var out []types.MonthlyRecord
	for _, row := range res.Data {
		var month, year int
		if _, err := fmt.Sscanf(row.ThangNam, "%d/%d", &month, &year); err != nil {
			continue
		}
		m := types.Month{Year: year, Month: month}
		if m.Before(from) || m.After(to) {
			continue
		}
		out = append(out, types.MonthlyRecord{
			Year:           year,
			Month:          month,
			ConsumptionKWH: row.SLuong,
			Cost:           int64(row.TongTien),
			InvoiceID:      row.MaHDon,
		})
	}
	return out, nil
}

// newJSONRequest builds a JSON request with an optional bearer token.
func newJSONRequest(ctx context.Context, method, fullURL, token string, payload any) (*http.Request, error) {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}
