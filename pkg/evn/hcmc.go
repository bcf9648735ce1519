package evn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/evnsync/evnsync/pkg/common"
	"github.com/evnsync/evnsync/pkg/log"
	"github.com/evnsync/evnsync/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const (
	hcmcLoginPath   = "/Dangnhap/checkLG"
	hcmcDailyPath   = "/Tracuu/ajax_dienNangTieuThuTheoNgay"
	hcmcPaymentPath = "/Tracuu/ajax_traCuuNo"
	hcmcMonthlyPath = "/Tracuu/ajax_dienNangTieuThuTheoKyHoaDon"

	hcmcSessionCookie = "evn_session"
)

// hcmcSession is the portal session cookie for one account.
type hcmcSession struct {
	cookie string
	expiry time.Time
}

// HCMC implements the Adapter interface for the EVNHCMC portal. The portal is
// a classic web app: a form login sets a session cookie which the data
// endpoints require.
type HCMC struct {
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	sessions map[string]*hcmcSession
}

// configuredHCMC sets up flags for EVNHCMC and returns the instance.
func configuredHCMC() *HCMC {
	h := &HCMC{
		client:   common.HTTPClient(30 * time.Second),
		sessions: make(map[string]*hcmcSession),
	}
	apiURL := lflag.String("hcmc-api-url", "https://cskh.evnhcmc.vn", "Base URL for the EVNHCMC portal")

	lflag.Do(func() {
		h.baseURL = *apiURL
	})

	return h
}

// Validate ensures the configuration is valid.
func (h *HCMC) Validate() error {
	if h.baseURL == "" {
		return fmt.Errorf("hcmc-api-url is required")
	}
	if _, err := url.Parse(h.baseURL); err != nil {
		return fmt.Errorf("failed to parse hcmc url (%s): %w", h.baseURL, err)
	}
	return nil
}

// Login implements the Adapter interface.
func (h *HCMC) Login(ctx context.Context, acct types.Account) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.ensureSession(ctx, acct)
	return err
}

type hcmcLoginResult struct {
	State string `json:"state"`
}

// ensureSession returns a valid session cookie for the account, logging in
// when there is none or it expired. Callers must hold h.mu.
func (h *HCMC) ensureSession(ctx context.Context, acct types.Account) (*hcmcSession, error) {
	if s, ok := h.sessions[acct.CustomerID]; ok && time.Now().Before(s.expiry) {
		return s, nil
	}

	data := url.Values{}
	data.Set("u", acct.Username)
	data.Set("p", acct.Password)

	req, err := http.NewRequestWithContext(ctx, "POST", h.baseURL+hcmcLoginPath, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotConnect, err)
	}

	// grab the session cookie before the body is consumed
	var s *hcmcSession
	for _, c := range resp.Cookies() {
		if c.Name == hcmcSessionCookie && c.Value != "" {
			s = &hcmcSession{cookie: c.Value, expiry: c.Expires}
			break
		}
	}

	var res hcmcLoginResult
	if err := decodeResponse(resp, &res); err != nil {
		return nil, fmt.Errorf("hcmc login failed: %w", err)
	}
	if res.State != "success" && res.State != "login" {
		return nil, fmt.Errorf("%w: login state %q", ErrInvalidAuth, res.State)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: login succeeded but no %s cookie", ErrInvalidAuth, hcmcSessionCookie)
	}
	if s.expiry.IsZero() {
		// session cookies without an expiry last until the portal drops them
		s.expiry = time.Now().Add(30 * time.Minute)
	}

	h.sessions[acct.CustomerID] = s
	log.Ctx(ctx).DebugContext(ctx, "hcmc login success", slog.String("customerID", acct.CustomerID))
	return s, nil
}

func (h *HCMC) session(ctx context.Context, acct types.Account) (*hcmcSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensureSession(ctx, acct)
}

// newFormRequest builds a session-cookie form POST.
func (h *HCMC) newFormRequest(ctx context.Context, path, cookie string, data url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", h.baseURL+path, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: hcmcSessionCookie, Value: cookie})
	return req, nil
}

type hcmcDayRow struct {
	NgayFull  string `json:"ngayFull"`
	Tong      string `json:"Tong"`
	TongPGiao string `json:"tong_p_giao"`
}

type hcmcDailyResult struct {
	State string `json:"state"`
	Data  struct {
		SanLuongTungNgay []hcmcDayRow `json:"sanluong_tungngay"`
	} `json:"data"`
}

// fetchDayRows fetches pre-aggregated per-day usage for the inclusive range.
func (h *HCMC) fetchDayRows(ctx context.Context, acct types.Account, s *hcmcSession, start, end types.Date) ([]hcmcDayRow, error) {
	data := url.Values{}
	data.Set("input_makh", acct.CustomerID)
	data.Set("input_tungay", formatWireDay(start))
	data.Set("input_denngay", formatWireDay(end))

	var res hcmcDailyResult
	err := fetchWithRetries(h.client, func() (*http.Request, error) {
		return h.newFormRequest(ctx, hcmcDailyPath, s.cookie, data)
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.State == "error_login" {
		return nil, fmt.Errorf("%w: session rejected", ErrInvalidAuth)
	}
	if res.State != "success" {
		return nil, fmt.Errorf("%w: state %q", ErrUnknownPayload, res.State)
	}
	return res.Data.SanLuongTungNgay, nil
}

// FetchSummary implements the Adapter interface.
func (h *HCMC) FetchSummary(ctx context.Context, acct types.Account) (types.Summary, error) {
	s, err := h.session(ctx, acct)
	if err != nil {
		return types.Summary{}, err
	}

	today := types.Today(vnLocation)
	start := billingPeriodStart(today, acct.BillingStartDay)

	rows, err := h.fetchDayRows(ctx, acct, s, start, today)
	if err != nil {
		return types.Summary{}, fmt.Errorf("fetching hcmc day rows: %w", err)
	}
	if len(rows) == 0 {
		return types.Summary{}, fmt.Errorf("%w: no day rows", ErrEmpty)
	}

	// the last row is today's partial total, the one before it the latest
	// complete day
	latest := parseNumber(rows[len(rows)-1].TongPGiao)
	first := parseNumber(rows[0].TongPGiao)
	sum := types.Summary{
		CustomerID:  acct.CustomerID,
		LatestIndex: &latest,
		FirstIndex:  &first,
		MonthKWH:    latest - first,
		TodayKWH:    parseNumber(rows[len(rows)-1].Tong),
		FetchedAt:   time.Now(),
	}
	toIdx, prevIdx := 0, 0
	if len(rows) > 2 {
		toIdx = len(rows) - 2
	}
	if len(rows) > 3 {
		prevIdx = len(rows) - 3
	}
	sum.YesterdayKWH = parseNumber(rows[toIdx].Tong)
	sum.PreviousDayKWH = parseNumber(rows[prevIdx].Tong)
	if d, err := parseWireDay(rows[0].NgayFull); err == nil {
		sum.FromDate = d
	}
	if d, err := parseWireDay(rows[toIdx].NgayFull); err == nil {
		sum.ToDate = d
	}
	if d, err := parseWireDay(rows[prevIdx].NgayFull); err == nil {
		sum.PreviousDate = d
	}

	h.fillPayment(ctx, acct, s, &sum)
	return sum, nil
}

type hcmcDebtResult struct {
	Data struct {
		IsNo   *int `json:"isNo"`
		InfoNo struct {
			TongTien string `json:"TONG_TIEN"`
		} `json:"info_no"`
	} `json:"data"`
}

func (h *HCMC) fillPayment(ctx context.Context, acct types.Account, s *hcmcSession, sum *types.Summary) {
	sum.PaymentStatus = types.PaymentStatusUnavailable

	data := url.Values{}
	data.Set("input_makh", acct.CustomerID)

	var res hcmcDebtResult
	err := fetchWithRetries(h.client, func() (*http.Request, error) {
		return h.newFormRequest(ctx, hcmcPaymentPath, s.cookie, data)
	}, &res)
	if err != nil || res.Data.IsNo == nil {
		log.Ctx(ctx).WarnContext(ctx, "hcmc debt lookup failed", slog.Any("error", err))
		return
	}

	switch *res.Data.IsNo {
	case 0:
		sum.PaymentStatus = types.PaymentStatusPaid
	case 1:
		sum.PaymentStatus = types.PaymentStatusUnpaid
		if amt := parseMoney(res.Data.InfoNo.TongTien); amt != nil {
			sum.UnpaidAmount = *amt
		}
	}
}

// FetchDailyRange implements the Adapter interface.
func (h *HCMC) FetchDailyRange(ctx context.Context, acct types.Account, start, end types.Date) ([]types.DailyRecord, error) {
	s, err := h.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	rows, err := h.fetchDayRows(ctx, acct, s, start, end)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "hcmc daily fetch failed", slog.Any("error", err))
		return nil, nil
	}

	var out []types.DailyRecord
	for _, row := range rows {
		day, err := parseWireDay(row.NgayFull)
		if err != nil {
			continue
		}
		if day.Before(start) || day.After(end) {
			continue
		}
		out = append(out, types.DailyRecord{
			Date:           day,
			ConsumptionKWH: parseNumber(row.Tong),
		})
	}
	return out, nil
}

type hcmcBillRow struct {
	Thang         int    `json:"Thang"`
	Nam           int    `json:"Nam"`
	Tong          string `json:"Tong"`
	TienThanhToan string `json:"TienThanhToan"`
}

type hcmcBillsResult struct {
	Data struct {
		SanLuongHoaDon []hcmcBillRow `json:"sanluong_hoadon"`
	} `json:"data"`
}

// FetchMonthlyRange implements the Adapter interface. The endpoint returns
// the whole invoice history; rows outside the range are dropped.
func (h *HCMC) FetchMonthlyRange(ctx context.Context, acct types.Account, from, to types.Month) ([]types.MonthlyRecord, error) {
	s, err := h.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	data := url.Values{}
	data.Set("input_makh", acct.CustomerID)

	var res hcmcBillsResult
	err = fetchWithRetries(h.client, func() (*http.Request, error) {
		return h.newFormRequest(ctx, hcmcMonthlyPath, s.cookie, data)
	}, &res)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "hcmc monthly fetch failed", slog.Any("error", err))
		return nil, nil
	}

	var out []types.MonthlyRecord
	for _, row := range res.Data.SanLuongHoaDon {
		if row.Thang == 0 || row.Nam == 0 {
			continue
		}
		m := types.Month{Year: row.Nam, Month: row.Thang}
		if m.Before(from) || m.After(to) {
			continue
		}
		rec := types.MonthlyRecord{
			Year:           row.Nam,
			Month:          row.Thang,
			ConsumptionKWH: parseNumber(row.Tong),
		}
		if amt := parseMoney(row.TienThanhToan); amt != nil {
			rec.Cost = *amt
		}
		out = append(out, rec)
	}
	return out, nil
}
