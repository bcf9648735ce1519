package evn

import (
	"context"
	"errors"
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
	spcTokenPath        = "/api/Auth/token"
	spcDailyPath        = "/api/NghiepVu/TraCuuSanLuongNgay"
	spcPaymentPath      = "/api/NghiepVu/TraCuuNo"
	spcLoadsheddingPath = "/api/NghiepVu/TraCuuLichNgungGiamCungCapDien"
	spcMonthlyPath      = "/api/NghiepVu/TraCuuHoaDon"

	// spcDayLayout is the compact day format the query parameters use.
	spcDayLayout = "20060102"
)

type spcSession struct {
	token  string
	expiry time.Time
}

// SPC implements the Adapter interface for the EVNSPC API. It is the only
// region that needs no username/password: a device token keyed on the
// customer code is enough.
type SPC struct {
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	sessions map[string]*spcSession
}

// configuredSPC sets up flags for EVNSPC and returns the instance.
func configuredSPC() *SPC {
	s := &SPC{
		client:   common.HTTPClient(30 * time.Second),
		sessions: make(map[string]*spcSession),
	}
	apiURL := lflag.String("spc-api-url", "https://api.cskh.evnspc.vn", "Base URL for the EVNSPC API")

	lflag.Do(func() {
		s.baseURL = *apiURL
	})

	return s
}

// Validate ensures the configuration is valid.
func (s *SPC) Validate() error {
	if s.baseURL == "" {
		return fmt.Errorf("spc-api-url is required")
	}
	if _, err := url.Parse(s.baseURL); err != nil {
		return fmt.Errorf("failed to parse spc url (%s): %w", s.baseURL, err)
	}
	return nil
}

// Login implements the Adapter interface.
func (s *SPC) Login(ctx context.Context, acct types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ensureSession(ctx, acct)
	return err
}

type spcTokenResult struct {
	MaKH  string `json:"maKH"`
	Token string `json:"token"`
}

// ensureSession returns a valid device token for the account. Callers must
// hold s.mu.
func (s *SPC) ensureSession(ctx context.Context, acct types.Account) (*spcSession, error) {
	if sess, ok := s.sessions[acct.CustomerID]; ok && time.Now().Before(sess.expiry) {
		return sess, nil
	}

	payload := map[string]string{
		"strUsername": acct.Username,
		"strPassword": acct.Password,
		"strDeviceID": acct.CustomerID,
	}

	var res spcTokenResult
	err := fetchWithRetries(s.client, func() (*http.Request, error) {
		return newJSONRequest(ctx, "POST", s.baseURL+spcTokenPath, "", payload)
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("spc login failed: %w", err)
	}
	if res.Token == "" {
		return nil, fmt.Errorf("%w: token response missing token", ErrUnknownPayload)
	}
	if res.MaKH == "" {
		return nil, fmt.Errorf("%w: customer code rejected", ErrInvalidAuth)
	}

	sess := &spcSession{
		token: res.Token,
		// the API does not report expiry; re-login hourly
		expiry: time.Now().Add(time.Hour),
	}
	s.sessions[acct.CustomerID] = sess
	log.Ctx(ctx).DebugContext(ctx, "spc login success", slog.String("customerID", acct.CustomerID))
	return sess, nil
}

func (s *SPC) session(ctx context.Context, acct types.Account) (*spcSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureSession(ctx, acct)
}

func (s *SPC) newGetRequest(ctx context.Context, path, token string, params url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

type spcDayRow struct {
	StrTime     string  `json:"strTime"`
	DGiaoBT     float64 `json:"dGiaoBT"`
	DSanLuongBT float64 `json:"dSanLuongBT"`
}

// fetchDayRows fetches the daily series for the inclusive range. A row's
// strTime is the day its dSanLuongBT total covers.
func (s *SPC) fetchDayRows(ctx context.Context, acct types.Account, sess *spcSession, start, end types.Date) ([]spcDayRow, error) {
	params := url.Values{}
	params.Set("strMaDiemDo", acct.CustomerID+"001")
	params.Set("strFromDate", start.Time(vnLocation).Format(spcDayLayout))
	params.Set("strToDate", end.Time(vnLocation).Format(spcDayLayout))

	var rows []spcDayRow
	err := fetchWithRetries(s.client, func() (*http.Request, error) {
		return s.newGetRequest(ctx, spcDailyPath, sess.token, params)
	}, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchSummary implements the Adapter interface.
func (s *SPC) FetchSummary(ctx context.Context, acct types.Account) (types.Summary, error) {
	sess, err := s.session(ctx, acct)
	if err != nil {
		return types.Summary{}, err
	}

	today := types.Today(vnLocation)
	start := billingPeriodStart(today, acct.BillingStartDay).Prev()

	rows, err := s.fetchDayRows(ctx, acct, sess, start, today)
	if err != nil {
		return types.Summary{}, fmt.Errorf("fetching spc day rows: %w", err)
	}
	if len(rows) == 0 {
		return types.Summary{}, fmt.Errorf("%w: no day rows", ErrEmpty)
	}

	last := rows[len(rows)-1]
	latest := last.DGiaoBT
	first := rows[0].DGiaoBT
	sum := types.Summary{
		CustomerID:   acct.CustomerID,
		LatestIndex:  &latest,
		FirstIndex:   &first,
		YesterdayKWH: last.DSanLuongBT,
		MonthKWH:     last.DGiaoBT - first,
		FetchedAt:    time.Now(),
	}
	// the last row can trail the calendar by a day or two when readings
	// come in late
	if d, err := parseWireDay(last.StrTime); err == nil {
		sum.ToDate = d
	}
	if d, err := parseWireDay(rows[0].StrTime); err == nil {
		// the first row is the lead-in day before the billing period
		sum.FromDate = d.Next()
	}
	if len(rows) >= 2 {
		prev := rows[len(rows)-2]
		sum.PreviousDayKWH = prev.DSanLuongBT
		if d, err := parseWireDay(prev.StrTime); err == nil {
			sum.PreviousDate = d
		}
	}

	s.fillPayment(ctx, acct, sess, &sum)
	s.fillLoadshedding(ctx, acct, sess, &sum)
	return sum, nil
}

type spcDebtRow struct {
	LTongTien int64 `json:"lTongTien"`
}

// fillPayment looks up outstanding debt. An empty response means the account
// owes nothing.
func (s *SPC) fillPayment(ctx context.Context, acct types.Account, sess *spcSession, sum *types.Summary) {
	sum.PaymentStatus = types.PaymentStatusUnavailable

	params := url.Values{}
	params.Set("strMaKH", acct.CustomerID)

	var rows []spcDebtRow
	err := fetchWithRetries(s.client, func() (*http.Request, error) {
		return s.newGetRequest(ctx, spcPaymentPath, sess.token, params)
	}, &rows)
	if errors.Is(err, ErrEmpty) || (err == nil && len(rows) == 0) {
		sum.PaymentStatus = types.PaymentStatusPaid
		return
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "spc debt lookup failed", slog.Any("error", err))
		return
	}

	sum.PaymentStatus = types.PaymentStatusUnpaid
	sum.UnpaidAmount = rows[0].LTongTien
}

type spcLoadsheddingRow struct {
	StrThoiGianMatDien string `json:"strThoiGianMatDien"`
}

func (s *SPC) fillLoadshedding(ctx context.Context, acct types.Account, sess *spcSession, sum *types.Summary) {
	params := url.Values{}
	params.Set("strMaKH", acct.CustomerID)

	var rows []spcLoadsheddingRow
	err := fetchWithRetries(s.client, func() (*http.Request, error) {
		return s.newGetRequest(ctx, spcLoadsheddingPath, sess.token, params)
	}, &rows)
	if err != nil || len(rows) == 0 {
		return
	}
	sum.PlannedOutage = rows[0].StrThoiGianMatDien
}

// FetchDailyRange implements the Adapter interface.
func (s *SPC) FetchDailyRange(ctx context.Context, acct types.Account, start, end types.Date) ([]types.DailyRecord, error) {
	sess, err := s.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	rows, err := s.fetchDayRows(ctx, acct, sess, start, end)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "spc daily fetch failed", slog.Any("error", err))
		return nil, nil
	}

	var out []types.DailyRecord
	for _, row := range rows {
		day, err := parseWireDay(row.StrTime)
		if err != nil {
			continue
		}
		if day.Before(start) || day.After(end) {
			continue
		}
		out = append(out, types.DailyRecord{
			Date:           day,
			ConsumptionKWH: row.DSanLuongBT,
		})
	}
	return out, nil
}

type spcBillRow struct {
	IThang    int     `json:"iThang"`
	INam      int     `json:"iNam"`
	DSanLuong float64 `json:"dSanLuong"`
	LTongTien int64   `json:"lTongTien"`
}

// FetchMonthlyRange implements the Adapter interface.
func (s *SPC) FetchMonthlyRange(ctx context.Context, acct types.Account, from, to types.Month) ([]types.MonthlyRecord, error) {
	sess, err := s.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("strMaKH", acct.CustomerID)
	params.Set("iTuThang", fmt.Sprintf("%d", from.Month))
	params.Set("iTuNam", fmt.Sprintf("%d", from.Year))
	params.Set("iDenThang", fmt.Sprintf("%d", to.Month))
	params.Set("iDenNam", fmt.Sprintf("%d", to.Year))

	var rows []spcBillRow
	err = fetchWithRetries(s.client, func() (*http.Request, error) {
		return s.newGetRequest(ctx, spcMonthlyPath, sess.token, params)
	}, &rows)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "spc monthly fetch failed", slog.Any("error", err))
		return nil, nil
	}

	var out []types.MonthlyRecord
	for _, row := range rows {
		if row.IThang == 0 || row.INam == 0 {
			continue
		}
		m := types.Month{Year: row.INam, Month: row.IThang}
		if m.Before(from) || m.After(to) {
			continue
		}
		out = append(out, types.MonthlyRecord{
			Year:           row.INam,
			Month:          row.IThang,
			ConsumptionKWH: row.DSanLuong,
			Cost:           row.LTongTien,
		})
	}
	return out, nil
}
