package evn

import (
	"bytes"
	"context"
	"encoding/json"
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
	hanoiLoginPath   = "/api/auth/token"
	hanoiDailyPath   = "/api/TraCuu/LayChiSoDoXaPharse2"
	hanoiPaymentPath = "/api/TraCuu/GetThongTinNoKhachHang"
	hanoiMonthlyPath = "/api/TraCuu/GetLichSuThanhToan"

	// hanoiClientID is the fixed OAuth client the public portal uses.
	hanoiClientID     = "httplocalhost4500"
	hanoiClientSecret = "secret"
)

// hanoiSession is the bearer token and resolved metering-point suffix for one
// account.
type hanoiSession struct {
	token  string
	expiry time.Time
	// pointSuffix is appended to the customer code to form the metering
	// point id. Most accounts use "001", older ones use "1".
	pointSuffix string
}

// Hanoi implements the Adapter interface for the EVNHANOI portal. Tokens come
// from an OAuth password grant and expire, so each account keeps its own
// session that is refreshed on demand.
type Hanoi struct {
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	sessions map[string]*hanoiSession
}

// configuredHanoi sets up flags for EVNHANOI and returns the instance.
func configuredHanoi() *Hanoi {
	h := &Hanoi{
		client:   common.HTTPClient(30 * time.Second),
		sessions: make(map[string]*hanoiSession),
	}
	apiURL := lflag.String("hanoi-api-url", "https://evnhanoi.vn", "Base URL for the EVNHANOI API")

	lflag.Do(func() {
		h.baseURL = *apiURL
	})

	return h
}

// Validate ensures the configuration is valid.
func (h *Hanoi) Validate() error {
	if h.baseURL == "" {
		return fmt.Errorf("hanoi-api-url is required")
	}
	if _, err := url.Parse(h.baseURL); err != nil {
		return fmt.Errorf("failed to parse hanoi url (%s): %w", h.baseURL, err)
	}
	return nil
}

type hanoiTokenResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// Login implements the Adapter interface.
func (h *Hanoi) Login(ctx context.Context, acct types.Account) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.ensureSession(ctx, acct)
	return err
}

// ensureSession returns a valid session for the account, logging in when
// there is none or the token expired. Callers must hold h.mu.
func (h *Hanoi) ensureSession(ctx context.Context, acct types.Account) (*hanoiSession, error) {
	if s, ok := h.sessions[acct.CustomerID]; ok && time.Now().Before(s.expiry) {
		return s, nil
	}

	data := url.Values{}
	data.Set("username", acct.Username)
	data.Set("password", acct.Password)
	data.Set("client_id", hanoiClientID)
	data.Set("client_secret", hanoiClientSecret)
	data.Set("grant_type", "password")

	var res hanoiTokenResult
	err := fetchWithRetries(h.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", h.baseURL+hanoiLoginPath, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("hanoi login failed: %w", err)
	}
	if res.Error == "invalid_grant" {
		return nil, fmt.Errorf("%w: invalid_grant", ErrInvalidAuth)
	}
	if res.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrUnknownPayload)
	}

	s := &hanoiSession{
		token:       res.AccessToken,
		expiry:      time.Now().Add(time.Duration(res.ExpiresIn) * time.Second),
		pointSuffix: "001",
	}
	if prev, ok := h.sessions[acct.CustomerID]; ok && prev.pointSuffix != "" {
		s.pointSuffix = prev.pointSuffix
	}
	h.sessions[acct.CustomerID] = s
	log.Ctx(ctx).DebugContext(ctx, "hanoi login success", slog.String("customerID", acct.CustomerID))
	return s, nil
}

// session returns a snapshot of the account's session. Callers get a copy so
// request closures never read the shared session fields without h.mu.
func (h *Hanoi) session(ctx context.Context, acct types.Account) (hanoiSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.ensureSession(ctx, acct)
	if err != nil {
		return hanoiSession{}, err
	}
	return *s, nil
}

type hanoiDayIndex struct {
	Ngay string `json:"ngay"`
	SG   string `json:"sg"`
}

type hanoiDailyResult struct {
	IsError bool `json:"isError"`
	Code    int  `json:"code"`
	Data    struct {
		ChiSoNgay     []hanoiDayIndex `json:"chiSoNgay"`
		ChiSoNgayFull []hanoiDayIndex `json:"chiSoNgayFull"`
	} `json:"data"`
}

// fetchDayIndexes fetches the cumulative meter indexes for the inclusive day
// range. When the server rejects the metering point with code 400 it retries
// once with the legacy "1" point suffix, matching the public portal behavior.
func (h *Hanoi) fetchDayIndexes(ctx context.Context, acct types.Account, s hanoiSession, start, end types.Date) ([]hanoiDayIndex, error) {
	for {
		payload := map[string]string{
			"maDiemDo":  acct.CustomerID + s.pointSuffix,
			"maDonVi":   acct.CustomerID[:6],
			"maXacThuc": "EVNHN",
			"ngayDau":   formatWireDay(start),
			"ngayCuoi":  formatWireDay(end),
		}

		var res hanoiDailyResult
		err := fetchWithRetries(h.client, func() (*http.Request, error) {
			return h.newJSONRequest(ctx, "POST", hanoiDailyPath, s.token, payload)
		}, &res)
		if err != nil {
			return nil, err
		}

		if res.IsError {
			if res.Code == 400 && s.pointSuffix == "001" {
				// legacy accounts use a single-digit point suffix;
				// remember it on the shared session for later calls
				s.pointSuffix = "1"
				h.mu.Lock()
				if shared, ok := h.sessions[acct.CustomerID]; ok {
					shared.pointSuffix = "1"
				}
				h.mu.Unlock()
				continue
			}
			return nil, fmt.Errorf("%w: server code %d", ErrUnknownPayload, res.Code)
		}

		rows := res.Data.ChiSoNgayFull
		if len(rows) == 0 {
			rows = res.Data.ChiSoNgay
		}
		return rows, nil
	}
}

// FetchSummary implements the Adapter interface.
func (h *Hanoi) FetchSummary(ctx context.Context, acct types.Account) (types.Summary, error) {
	s, err := h.session(ctx, acct)
	if err != nil {
		return types.Summary{}, err
	}

	today := types.Today(vnLocation)
	start := billingPeriodStart(today, acct.BillingStartDay)

	rows, err := h.fetchDayIndexes(ctx, acct, s, start, today)
	if err != nil {
		return types.Summary{}, fmt.Errorf("fetching hanoi day indexes: %w", err)
	}
	if len(rows) < 2 {
		return types.Summary{}, fmt.Errorf("%w: need at least 2 day indexes, got %d", ErrEmpty, len(rows))
	}

	latest := parseNumber(rows[len(rows)-1].SG)
	first := parseNumber(rows[0].SG)
	sum := types.Summary{
		CustomerID:  acct.CustomerID,
		LatestIndex: &latest,
		FirstIndex:  &first,
		MonthKWH:    latest - first,
		FetchedAt:   time.Now(),
	}
	// the newest index is this morning's reading, so the last delta is the
	// prior day's consumption and row dates shift back by one
	sum.YesterdayKWH = latest - parseNumber(rows[len(rows)-2].SG)
	if d, err := parseWireDay(rows[0].Ngay); err == nil {
		sum.FromDate = d
	}
	if d, err := parseWireDay(rows[len(rows)-1].Ngay); err == nil {
		sum.ToDate = d.Prev()
	}
	if len(rows) >= 3 {
		sum.PreviousDayKWH = parseNumber(rows[len(rows)-2].SG) - parseNumber(rows[len(rows)-3].SG)
		if d, err := parseWireDay(rows[len(rows)-2].Ngay); err == nil {
			sum.PreviousDate = d.Prev()
		}
	}

	h.fillPayment(ctx, acct, s, &sum)
	return sum, nil
}

type hanoiDebtResult struct {
	IsError bool `json:"isError"`
	Data    struct {
		ListThongTinNoKhachHangVm []struct {
			TongTien string `json:"tongTien"`
		} `json:"listThongTinNoKhachHangVm"`
	} `json:"data"`
}

// fillPayment looks up outstanding debt. Failures degrade the summary to an
// unavailable payment status rather than failing the fetch.
func (h *Hanoi) fillPayment(ctx context.Context, acct types.Account, s hanoiSession, sum *types.Summary) {
	sum.PaymentStatus = types.PaymentStatusUnavailable

	payload := map[string]string{
		"maKhachHang":   acct.CustomerID,
		"maDonViQuanLy": acct.CustomerID[:6],
	}
	var res hanoiDebtResult
	err := fetchWithRetries(h.client, func() (*http.Request, error) {
		return h.newJSONRequest(ctx, "POST", hanoiPaymentPath, s.token, payload)
	}, &res)
	if err != nil || res.IsError {
		log.Ctx(ctx).WarnContext(ctx, "hanoi debt lookup failed", slog.Any("error", err))
		return
	}

	if len(res.Data.ListThongTinNoKhachHangVm) == 0 {
		sum.PaymentStatus = types.PaymentStatusPaid
		return
	}
	sum.PaymentStatus = types.PaymentStatusUnpaid
	if amt := parseMoney(res.Data.ListThongTinNoKhachHangVm[0].TongTien); amt != nil {
		sum.UnpaidAmount = *amt
	}
}

// FetchDailyRange implements the Adapter interface. The endpoint returns
// cumulative meter indexes so per-day consumption is the delta between
// consecutive days; the range is widened by one day to cover the last day.
func (h *Hanoi) FetchDailyRange(ctx context.Context, acct types.Account, start, end types.Date) ([]types.DailyRecord, error) {
	s, err := h.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	rows, err := h.fetchDayIndexes(ctx, acct, s, start, end.Next())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "hanoi daily fetch failed", slog.Any("error", err))
		return nil, nil
	}

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
			ConsumptionKWH: parseNumber(rows[i+1].SG) - parseNumber(rows[i].SG),
		})
	}
	return out, nil
}

type hanoiBillRow struct {
	Thang       int     `json:"thang"`
	Nam         int     `json:"nam"`
	DienTieuThu float64 `json:"dienTieuThu"`
	SoTien      string  `json:"soTien"`
}

type hanoiBillsResult struct {
	IsError bool `json:"isError"`
	Data    struct {
		DmLichSuThanhToanList []hanoiBillRow `json:"dmLichSuThanhToanList"`
	} `json:"data"`
}

// FetchMonthlyRange implements the Adapter interface. The payment-history
// endpoint is queried per month.
func (h *Hanoi) FetchMonthlyRange(ctx context.Context, acct types.Account, from, to types.Month) ([]types.MonthlyRecord, error) {
	s, err := h.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	var out []types.MonthlyRecord
	for m := from; !m.After(to); m = m.Next() {
		params := url.Values{}
		params.Set("maDvQly", acct.CustomerID[:6])
		params.Set("maKh", acct.CustomerID)
		params.Set("thang", fmt.Sprintf("%d", m.Month))
		params.Set("nam", fmt.Sprintf("%d", m.Year))

		var res hanoiBillsResult
		err := fetchWithRetries(h.client, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, "GET", h.baseURL+hanoiMonthlyPath+"?"+params.Encode(), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("Authorization", "Bearer "+s.token)
			return req, nil
		}, &res)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "hanoi monthly fetch failed",
				slog.String("month", m.String()), slog.Any("error", err))
			continue
		}

		for _, row := range res.Data.DmLichSuThanhToanList {
			if row.Thang == 0 || row.Nam == 0 {
				continue
			}
			rec := types.MonthlyRecord{
				Year:           row.Nam,
				Month:          row.Thang,
				ConsumptionKWH: row.DienTieuThu,
			}
			if amt := parseMoney(row.SoTien); amt != nil {
				rec.Cost = *amt
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (h *Hanoi) newJSONRequest(ctx context.Context, method, path, token string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}
