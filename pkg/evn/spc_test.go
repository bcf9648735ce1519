package evn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evnsync/evnsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSPCAccount() types.Account {
	// spc needs no username/password
	return types.Account{
		CustomerID:      "PB09000111222",
		Provider:        types.ProviderSPC,
		BillingStartDay: 14,
	}
}

func TestSPCLogin(t *testing.T) {
	t.Run("DeviceTokenWithoutCredentials", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, spcTokenPath, r.URL.Path)
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "PB09000111222", payload["strDeviceID"])
			_, _ = w.Write([]byte(`{"maKH":"PB09000111222","token":"tok-spc"}`))
		}))
		defer ts.Close()

		s := &SPC{baseURL: ts.URL, client: ts.Client(), sessions: map[string]*spcSession{}}
		require.NoError(t, s.Login(t.Context(), testSPCAccount()))
		assert.Equal(t, "tok-spc", s.sessions["PB09000111222"].token)
	})

	t.Run("UnknownCustomer", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"maKH":"","token":"tok"}`))
		}))
		defer ts.Close()

		s := &SPC{baseURL: ts.URL, client: ts.Client(), sessions: map[string]*spcSession{}}
		assert.ErrorIs(t, s.Login(t.Context(), testSPCAccount()), ErrInvalidAuth)
	})
}

func TestSPCFetchDailyRange(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, spcDailyPath, r.URL.Path)
		assert.Equal(t, "PB09000111222001", r.URL.Query().Get("strMaDiemDo"))
		assert.Equal(t, "20250301", r.URL.Query().Get("strFromDate"))
		assert.Equal(t, "20250302", r.URL.Query().Get("strToDate"))
		_, _ = w.Write([]byte(`[
			{"strTime":"01/03/2025","dGiaoBT":1200,"dSanLuongBT":5},
			{"strTime":"02/03/2025","dGiaoBT":1205,"dSanLuongBT":7}
		]`))
	}))
	defer ts.Close()

	s := &SPC{baseURL: ts.URL, client: ts.Client(), sessions: map[string]*spcSession{
		"PB09000111222": {token: "tok", expiry: time.Now().Add(time.Hour)},
	}}
	recs, err := s.FetchDailyRange(t.Context(), testSPCAccount(),
		types.Date{Year: 2025, Month: 3, Day: 1}, types.Date{Year: 2025, Month: 3, Day: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 5.0, recs[0].ConsumptionKWH)
	assert.Equal(t, 7.0, recs[1].ConsumptionKWH)
}

func TestSPCFetchSummary(t *testing.T) {
	t.Run("EmptyDebtMeansPaid", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case spcDailyPath:
				_, _ = w.Write([]byte(`[
					{"strTime":"14/02/2025","dGiaoBT":1100,"dSanLuongBT":4},
					{"strTime":"02/03/2025","dGiaoBT":1205,"dSanLuongBT":7}
				]`))
			case spcPaymentPath:
				// nothing owed comes back as an empty body
			case spcLoadsheddingPath:
				_, _ = w.Write([]byte(`[{"strThoiGianMatDien":"08:00 05/03 - 12:00 05/03"}]`))
			}
		}))
		defer ts.Close()

		s := &SPC{baseURL: ts.URL, client: ts.Client(), sessions: map[string]*spcSession{
			"PB09000111222": {token: "tok", expiry: time.Now().Add(time.Hour)},
		}}
		sum, err := s.FetchSummary(t.Context(), testSPCAccount())
		require.NoError(t, err)
		assert.Equal(t, types.PaymentStatusPaid, sum.PaymentStatus)
		assert.Equal(t, 7.0, sum.YesterdayKWH)
		assert.Equal(t, 4.0, sum.PreviousDayKWH)
		assert.Equal(t, 105.0, sum.MonthKWH)
		// the series can trail the calendar; the dates come from the rows
		assert.Equal(t, types.Date{Year: 2025, Month: 3, Day: 2}, sum.ToDate)
		assert.Equal(t, types.Date{Year: 2025, Month: 2, Day: 14}, sum.PreviousDate)
		assert.Equal(t, types.Date{Year: 2025, Month: 2, Day: 15}, sum.FromDate)
		assert.Equal(t, "08:00 05/03 - 12:00 05/03", sum.PlannedOutage)
	})

	t.Run("Unpaid", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case spcDailyPath:
				_, _ = w.Write([]byte(`[{"strTime":"02/03/2025","dGiaoBT":1205,"dSanLuongBT":7}]`))
			case spcPaymentPath:
				_, _ = w.Write([]byte(`[{"lTongTien":612000}]`))
			case spcLoadsheddingPath:
				// outage lookup failing must not fail the summary
				w.WriteHeader(http.StatusInternalServerError)
			}
		}))
		defer ts.Close()

		s := &SPC{baseURL: ts.URL, client: ts.Client(), sessions: map[string]*spcSession{
			"PB09000111222": {token: "tok", expiry: time.Now().Add(time.Hour)},
		}}
		sum, err := s.FetchSummary(t.Context(), testSPCAccount())
		require.NoError(t, err)
		assert.Equal(t, types.PaymentStatusUnpaid, sum.PaymentStatus)
		assert.Equal(t, int64(612000), sum.UnpaidAmount)
		assert.Empty(t, sum.PlannedOutage)
	})
}

func TestSPCFetchMonthlyRange(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, spcMonthlyPath, r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("iTuThang"))
		assert.Equal(t, "2025", r.URL.Query().Get("iTuNam"))
		_, _ = w.Write([]byte(`[
			{"iThang":1,"iNam":2025,"dSanLuong":190,"lTongTien":520000},
			{"iThang":2,"iNam":2025,"dSanLuong":201,"lTongTien":548000}
		]`))
	}))
	defer ts.Close()

	s := &SPC{baseURL: ts.URL, client: ts.Client(), sessions: map[string]*spcSession{
		"PB09000111222": {token: "tok", expiry: time.Now().Add(time.Hour)},
	}}
	recs, err := s.FetchMonthlyRange(t.Context(), testSPCAccount(),
		types.Month{Year: 2025, Month: 1}, types.Month{Year: 2025, Month: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(520000), recs[0].Cost)
}
