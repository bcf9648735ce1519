package evn

import (
	"context"
	"encoding/base64"
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
	cpcTokenPath   = "/connect/token"
	cpcSummaryPath = "/api/remote/thong-tin-chung/"
	cpcInvoicePath = "/api/remote/thongTinHoaDon/"
	cpcDailyPath   = "/api/remote/meter/rf/sl-tieu-thu-view"
	cpcMonthlyPath = "/api/remote/thongTinHoaDonSpider"

	// cpcBasicAuth is the fixed OAuth client the mobile app uses.
	cpcBasicAuth = "CSKH_Mobile_Notification:Evncpc@CC2023!Annv1609#"

	cpcPaidStatus = "Đã thanh toán"
)

type cpcSession struct {
	token  string
	expiry time.Time
}

// CPC implements the Adapter interface for the EVNCPC API. Authentication is
// an OAuth password grant against a separate identity host, authorized with
// the mobile app's fixed basic-auth client.
type CPC struct {
	authURL string
	apiURL  string
	client  *http.Client

	mu       sync.Mutex
	sessions map[string]*cpcSession
}

// configuredCPC sets up flags for EVNCPC and returns the instance.
func configuredCPC() *CPC {
	c := &CPC{
		client:   common.HTTPClient(30 * time.Second),
		sessions: make(map[string]*cpcSession),
	}
	authURL := lflag.String("cpc-auth-url", "https://id.cpc.vn", "Base URL for the EVNCPC identity server")
	apiURL := lflag.String("cpc-api-url", "https://cskh-api.cpc.vn", "Base URL for the EVNCPC data API")

	lflag.Do(func() {
		c.authURL = *authURL
		c.apiURL = *apiURL
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *CPC) Validate() error {
	for name, u := range map[string]string{"cpc-auth-url": c.authURL, "cpc-api-url": c.apiURL} {
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
func (c *CPC) Login(ctx context.Context, acct types.Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ensureSession(ctx, acct)
	return err
}

type cpcTokenResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// ensureSession returns a valid session for the account. Callers must hold
// c.mu.
func (c *CPC) ensureSession(ctx context.Context, acct types.Account) (*cpcSession, error) {
	if s, ok := c.sessions[acct.CustomerID]; ok && time.Now().Before(s.expiry) {
		return s, nil
	}

	data := url.Values{}
	data.Set("username", acct.Username)
	data.Set("password", acct.Password)
	data.Set("scope", "CSKH offline_access")
	data.Set("grant_type", "password")

	var res cpcTokenResult
	err := fetchWithRetries(c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", c.authURL+cpcTokenPath, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cpcBasicAuth)))
		return req, nil
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("cpc login failed: %w", err)
	}
	if res.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrInvalidAuth)
	}

	expiry := time.Now().Add(time.Hour)
	if res.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	s := &cpcSession{token: res.AccessToken, expiry: expiry}
	c.sessions[acct.CustomerID] = s
	log.Ctx(ctx).DebugContext(ctx, "cpc login success", slog.String("customerID", acct.CustomerID))
	return s, nil
}

func (c *CPC) session(ctx context.Context, acct types.Account) (*cpcSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureSession(ctx, acct)
}

func (c *CPC) newGetRequest(ctx context.Context, fullURL, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

type cpcSummaryResult struct {
	ElectricConsumption *struct {
		Today     float64 `json:"electricConsumptionToday"`
		Yesterday float64 `json:"electricConsumptionYesterday"`
		ThisMonth float64 `json:"electricConsumptionThisMonth"`
	} `json:"electricConsumption"`
}

type cpcInvoiceResult struct {
	Response *struct {
		TinhTrangThanhToan string `json:"tinhTrangThanhToan"`
		TienHoaDon         string `json:"tienHoaDon"`
		ChiSoCuoiKy        string `json:"chiSoCuoiKy"`
		DienNangHienTai    struct {
			ChiSo    string `json:"chiSo"`
			ThoiDiem string `json:"thoiDiem"`
		} `json:"dienNangHienTai"`
	} `json:"response"`
}

// cpcReadingLayout is the timestamp format of the latest meter reading, for
// example "09h15 - 02/03/2025".
const cpcReadingLayout = "15h04 - 02/01/2006"

// FetchSummary implements the Adapter interface. CPC pre-aggregates the
// consumption figures so no meter-index math is needed.
func (c *CPC) FetchSummary(ctx context.Context, acct types.Account) (types.Summary, error) {
	s, err := c.session(ctx, acct)
	if err != nil {
		return types.Summary{}, err
	}

	var res cpcSummaryResult
	err = fetchWithRetries(c.client, func() (*http.Request, error) {
		return c.newGetRequest(ctx, c.apiURL+cpcSummaryPath+acct.CustomerID, s.token)
	}, &res)
	if err != nil {
		return types.Summary{}, fmt.Errorf("fetching cpc summary: %w", err)
	}
	if res.ElectricConsumption == nil {
		return types.Summary{}, fmt.Errorf("%w: missing electricConsumption", ErrUnknownPayload)
	}

	sum := types.Summary{
		CustomerID:   acct.CustomerID,
		TodayKWH:     res.ElectricConsumption.Today,
		YesterdayKWH: res.ElectricConsumption.Yesterday,
		MonthKWH:     res.ElectricConsumption.ThisMonth,
		FetchedAt:    time.Now(),
	}

	c.fillInvoice(ctx, acct, s, &sum)
	return sum, nil
}

func (c *CPC) fillInvoice(ctx context.Context, acct types.Account, s *cpcSession, sum *types.Summary) {
	sum.PaymentStatus = types.PaymentStatusUnavailable

	var res cpcInvoiceResult
	err := fetchWithRetries(c.client, func() (*http.Request, error) {
		return c.newGetRequest(ctx, c.apiURL+cpcInvoicePath+acct.CustomerID, s.token)
	}, &res)
	if err != nil || res.Response == nil {
		log.Ctx(ctx).WarnContext(ctx, "cpc invoice lookup failed", slog.Any("error", err))
		return
	}

	if res.Response.TinhTrangThanhToan == cpcPaidStatus {
		sum.PaymentStatus = types.PaymentStatusPaid
	} else {
		sum.PaymentStatus = types.PaymentStatusUnpaid
		if amt := parseMoney(res.Response.TienHoaDon); amt != nil {
			sum.UnpaidAmount = *amt
		}
	}

	// the meter indexes use dotted thousands and a comma decimal
	if res.Response.DienNangHienTai.ChiSo != "" {
		idx := parseVNDecimal(res.Response.DienNangHienTai.ChiSo)
		sum.LatestIndex = &idx
	}
	if res.Response.ChiSoCuoiKy != "" {
		idx := parseVNDecimal(res.Response.ChiSoCuoiKy)
		sum.FirstIndex = &idx
	}

	// the reading timestamp is today's, so the yesterday figure covers the
	// day before it
	if t, err := time.ParseInLocation(cpcReadingLayout, res.Response.DienNangHienTai.ThoiDiem, vnLocation); err == nil {
		sum.ToDate = types.DateFromTime(t).Prev()
	}
}

type cpcDayRow struct {
	Ngay        string  `json:"ngay"`
	DienTieuThu float64 `json:"dienTieuThu"`
}

// FetchDailyRange implements the Adapter interface. The endpoint only knows
// one window (the recent metering view) so days outside it are absent.
func (c *CPC) FetchDailyRange(ctx context.Context, acct types.Account, start, end types.Date) ([]types.DailyRecord, error) {
	s, err := c.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("customerCode", acct.CustomerID)
	params.Set("orgCode", acct.CustomerID[:6])

	var rows []cpcDayRow
	err = fetchWithRetries(c.client, func() (*http.Request, error) {
		return c.newGetRequest(ctx, c.apiURL+cpcDailyPath+"?"+params.Encode(), s.token)
	}, &rows)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "cpc daily fetch failed", slog.Any("error", err))
		return nil, nil
	}

	var out []types.DailyRecord
	for _, row := range rows {
		day, err := parseWireDay(row.Ngay)
		if err != nil {
			continue
		}
		if day.Before(start) || day.After(end) {
			continue
		}
		out = append(out, types.DailyRecord{
			Date:           day,
			ConsumptionKWH: row.DienTieuThu,
		})
	}
	return out, nil
}

type cpcBillRow struct {
	Thang       int     `json:"thang"`
	Nam         int     `json:"nam"`
	DienTieuThu float64 `json:"dienTieuThu"`
	TienHoaDon  string  `json:"tienHoaDon"`
}

type cpcBillsResult struct {
	Result []cpcBillRow `json:"result"`
}

// FetchMonthlyRange implements the Adapter interface.
func (c *CPC) FetchMonthlyRange(ctx context.Context, acct types.Account, from, to types.Month) ([]types.MonthlyRecord, error) {
	s, err := c.session(ctx, acct)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("customerCode", acct.CustomerID)
	params.Set("maDonViQuanLy", acct.CustomerID[:6])

	var res cpcBillsResult
	err = fetchWithRetries(c.client, func() (*http.Request, error) {
		return c.newGetRequest(ctx, c.apiURL+cpcMonthlyPath+"?"+params.Encode(), s.token)
	}, &res)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "cpc monthly fetch failed", slog.Any("error", err))
		return nil, nil
	}

	var out []types.MonthlyRecord
	for _, row := range res.Result {
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
			ConsumptionKWH: row.DienTieuThu,
		}
		if amt := parseMoney(row.TienHoaDon); amt != nil {
			rec.Cost = *amt
		}
		out = append(out, rec)
	}
	return out, nil
}
