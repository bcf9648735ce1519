package evn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/evnsync/evnsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNPCAccount() types.Account {
	return types.Account{
		CustomerID:      "PA00011122233",
		Provider:        types.ProviderNPC,
		Username:        "0912345678",
		Password:        "secret",
		BillingStartDay: 14,
	}
}

func TestNPCLogin(t *testing.T) {
	t.Run("DirectMatch", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, npcLoginPath, r.URL.Path)
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Contains(t, payload, "deviceInfo")
			_, _ = w.Write([]byte(`{"data":{"accessToken":"tok-1","data":{"maKhang":"PA00011122233"}}}`))
		}))
		defer ts.Close()

		n := &NPC{authURL: ts.URL, apiURL: ts.URL, client: ts.Client(), sessions: map[string]*npcSession{}}
		require.NoError(t, n.Login(t.Context(), testNPCAccount()))
		assert.Equal(t, "tok-1", n.sessions["PA00011122233"].token)
	})

	t.Run("SwitchesToRequestedCustomer", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == npcLoginPath:
				_, _ = w.Write([]byte(`{"data":{"accessToken":"tok-sibling","data":{"maKhang":"PA00099988877"}}}`))
			case strings.HasPrefix(r.URL.Path, npcSwitchPath):
				assert.Equal(t, npcSwitchPath+"PA00011122233", r.URL.Path)
				assert.Equal(t, "Bearer tok-sibling", r.Header.Get("Authorization"))
				_, _ = w.Write([]byte(`{"data":{"accessToken":"tok-switched"}}`))
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		}))
		defer ts.Close()

		n := &NPC{authURL: ts.URL, apiURL: ts.URL, client: ts.Client(), sessions: map[string]*npcSession{}}
		require.NoError(t, n.Login(t.Context(), testNPCAccount()))
		assert.Equal(t, "tok-switched", n.sessions["PA00011122233"].token)
	})

	t.Run("SwitchFailureFailsLogin", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == npcLoginPath:
				_, _ = w.Write([]byte(`{"data":{"accessToken":"tok","data":{"maKhang":"PA00099988877"}}}`))
			default:
				_, _ = w.Write([]byte(`{"data":{}}`))
			}
		}))
		defer ts.Close()

		n := &NPC{authURL: ts.URL, apiURL: ts.URL, client: ts.Client(), sessions: map[string]*npcSession{}}
		err := n.Login(t.Context(), testNPCAccount())
		assert.ErrorIs(t, err, ErrInvalidAuth)
		assert.Empty(t, n.sessions)
	})
}

func TestNPCFetchDailyRange(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, npcDailyPath, r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "PA00011122233001", payload["MA_DDO"])
		assert.Equal(t, "PA0001", payload["MA_DVIQLY"])
		// newest first, cumulative indexes
		_, _ = w.Write([]byte(`{"data":[
			{"NGAY":"03/03/2025","CHISO_MOI":"1212"},
			{"NGAY":"02/03/2025","CHISO_MOI":"1205"},
			{"NGAY":"01/03/2025","CHISO_MOI":"1200"}
		]}`))
	}))
	defer ts.Close()

	n := &NPC{authURL: ts.URL, apiURL: ts.URL, client: ts.Client(), sessions: map[string]*npcSession{
		"PA00011122233": {token: "tok", expiry: time.Now().Add(time.Hour)},
	}}
	recs, err := n.FetchDailyRange(t.Context(), testNPCAccount(),
		types.Date{Year: 2025, Month: 3, Day: 2}, types.Date{Year: 2025, Month: 3, Day: 3})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, types.Date{Year: 2025, Month: 3, Day: 3}, recs[0].Date)
	assert.Equal(t, 7.0, recs[0].ConsumptionKWH)
	assert.Equal(t, 5.0, recs[1].ConsumptionKWH)
}

func TestNPCFetchMonthlyRange(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, npcMonthlyPath, r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "01/2025", payload["TU_THANG_NAM"])
		assert.Equal(t, "02/2025", payload["DEN_THANG_NAM"])
		// NPC can issue two invoices in one month
		_, _ = w.Write([]byte(`{"data":[
			{"THANG_NAM":"01/2025","SLUONG":190,"TONG_TIEN":520000,"MA_HDON":"HD-1"},
			{"THANG_NAM":"01/2025","SLUONG":15,"TONG_TIEN":41000,"MA_HDON":"HD-2"},
			{"THANG_NAM":"02/2025","SLUONG":201,"TONG_TIEN":548000,"MA_HDON":"HD-3"}
		]}`))
	}))
	defer ts.Close()

	n := &NPC{authURL: ts.URL, apiURL: ts.URL, client: ts.Client(), sessions: map[string]*npcSession{
		"PA00011122233": {token: "tok", expiry: time.Now().Add(time.Hour)},
	}}
	recs, err := n.FetchMonthlyRange(t.Context(), testNPCAccount(),
		types.Month{Year: 2025, Month: 1}, types.Month{Year: 2025, Month: 2})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "HD-1", recs[0].InvoiceID)
	assert.Equal(t, "HD-2", recs[1].InvoiceID)
	assert.NotEqual(t, recs[0].Key(), recs[1].Key())
}

func TestNPCFetchSummary(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case npcDailyPath:
			_, _ = w.Write([]byte(`{"data":[
				{"NGAY":"03/03/2025","CHISO_MOI":"1212"},
				{"NGAY":"02/03/2025","CHISO_MOI":"1205"},
				{"NGAY":"14/02/2025","CHISO_MOI":"1100"}
			]}`))
		case npcBillPath:
			_, _ = w.Write([]byte(`{"data":[{"TTRANG_TTOAN":"CHUATT","TONG_TIEN":548000}]}`))
		case npcLoadsheddingPath:
			_, _ = w.Write([]byte(`{"data":[{"THOI_GIAN":"08:00 05/03 - 12:00 05/03"}]}`))
		}
	}))
	defer ts.Close()

	n := &NPC{authURL: ts.URL, apiURL: ts.URL, client: ts.Client(), sessions: map[string]*npcSession{
		"PA00011122233": {token: "tok", expiry: time.Now().Add(time.Hour)},
	}}
	sum, err := n.FetchSummary(t.Context(), testNPCAccount())
	require.NoError(t, err)
	assert.Equal(t, 7.0, sum.YesterdayKWH)
	assert.Equal(t, 105.0, sum.PreviousDayKWH)
	assert.Equal(t, 112.0, sum.MonthKWH)
	assert.Equal(t, types.Date{Year: 2025, Month: 3, Day: 3}, sum.ToDate)
	assert.Equal(t, types.Date{Year: 2025, Month: 3, Day: 2}, sum.PreviousDate)
	assert.Equal(t, types.Date{Year: 2025, Month: 2, Day: 14}, sum.FromDate)
	require.NotNil(t, sum.FirstIndex)
	assert.Equal(t, 1100.0, *sum.FirstIndex)
	assert.Equal(t, types.PaymentStatusUnpaid, sum.PaymentStatus)
	assert.Equal(t, int64(548000), sum.UnpaidAmount)
	assert.Equal(t, "08:00 05/03 - 12:00 05/03", sum.PlannedOutage)
}
