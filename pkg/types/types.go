package types

import (
	"fmt"
	"strings"
	"time"
)

// CurrentHistoryVersion is the current version of the history document.
// Increment this value when the record layout changes in an incompatible way.
const CurrentHistoryVersion = 1

// Provider identifies one of the regional utility backends.
type Provider string

const (
	ProviderHanoi Provider = "hanoi"
	ProviderHCMC  Provider = "hcmc"
	ProviderNPC   Provider = "npc"
	ProviderCPC   Provider = "cpc"
	ProviderSPC   Provider = "spc"
)

// providerPrefixes maps the customer-code prefix to the regional backend
// that issued it.
var providerPrefixes = map[string]Provider{
	"PD": ProviderHanoi,
	"PE": ProviderHCMC,
	"PA": ProviderNPC,
	"PC": ProviderCPC,
	"PB": ProviderSPC,
}

// DetectProvider resolves the regional backend from a customer code. The code
// must be 11 to 13 characters and start with a known regional prefix.
func DetectProvider(customerID string) (Provider, error) {
	if len(customerID) < 11 || len(customerID) > 13 {
		return "", fmt.Errorf("customer code %q must be 11-13 characters", customerID)
	}
	prefix := strings.ToUpper(customerID[:2])
	p, ok := providerPrefixes[prefix]
	if !ok {
		return "", fmt.Errorf("customer code %q has unknown prefix %q", customerID, prefix)
	}
	return p, nil
}

// RequiresCredentials returns whether the provider's API needs a
// username/password login before data can be fetched.
func (p Provider) RequiresCredentials() bool {
	return p != ProviderSPC
}

// Account represents a monitored utility account.
type Account struct {
	CustomerID      string    `json:"customerID"`
	Provider        Provider  `json:"provider"`
	Username        string    `json:"username,omitempty"`
	Password        string    `json:"password,omitempty"`
	BillingStartDay int       `json:"billingStartDay"`
	HistoryStart    Date      `json:"historyStart"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Horizon returns the earliest date history should be fetched for. When the
// account doesn't configure one, history starts at the beginning of the month
// the account was created in.
func (a Account) Horizon(loc *time.Location) Date {
	if a.HistoryStart != (Date{}) {
		return a.HistoryStart
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	d := DateFromTime(created.In(loc))
	d.Day = 1
	return d
}

// Validate checks the account is internally consistent.
func (a Account) Validate() error {
	p, err := DetectProvider(a.CustomerID)
	if err != nil {
		return err
	}
	if a.Provider != "" && a.Provider != p {
		return fmt.Errorf("provider %q does not match customer code %q", a.Provider, a.CustomerID)
	}
	if p.RequiresCredentials() && (a.Username == "" || a.Password == "") {
		return fmt.Errorf("provider %q requires a username and password", p)
	}
	if a.BillingStartDay < 1 || a.BillingStartDay > 28 {
		return fmt.Errorf("billing start day %d must be between 1 and 28", a.BillingStartDay)
	}
	return nil
}

// Date is a calendar day. It is comparable and can be used as a map key.
type Date struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

// dateLayout is the wire format for calendar days.
const dateLayout = "02-01-2006"

// ParseDate parses a DD-MM-YYYY day.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return DateFromTime(t), nil
}

// DateFromTime truncates a time to its calendar day.
func DateFromTime(t time.Time) Date {
	return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// Today returns the current calendar day in the given location.
func Today(loc *time.Location) Date {
	return DateFromTime(time.Now().In(loc))
}

// Time returns midnight of the day in the given location.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, loc)
}

// String formats the day as DD-MM-YYYY.
func (d Date) String() string {
	return d.Time(time.UTC).Format(dateLayout)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Next returns the following calendar day.
func (d Date) Next() Date {
	return DateFromTime(d.Time(time.UTC).AddDate(0, 0, 1))
}

// Prev returns the preceding calendar day.
func (d Date) Prev() Date {
	return DateFromTime(d.Time(time.UTC).AddDate(0, 0, -1))
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// After reports whether d is later than other.
func (d Date) After(other Date) bool {
	return other.Before(d)
}

// MonthOf returns the month containing the day.
func (d Date) MonthOf() Month {
	return Month{Year: d.Year, Month: d.Month}
}

// Month is a calendar month. It is comparable and can be used as a map key.
type Month struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// MonthFromTime truncates a time to its calendar month.
func MonthFromTime(t time.Time) Month {
	return Month{Year: t.Year(), Month: int(t.Month())}
}

// Next returns the following month, wrapping December into January.
func (m Month) Next() Month {
	if m.Month == 12 {
		return Month{Year: m.Year + 1, Month: 1}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

// Prev returns the preceding month, wrapping January into December.
func (m Month) Prev() Month {
	if m.Month == 1 {
		return Month{Year: m.Year - 1, Month: 12}
	}
	return Month{Year: m.Year, Month: m.Month - 1}
}

// Before reports whether m is earlier than other.
func (m Month) Before(other Month) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Month < other.Month
}

// After reports whether m is later than other.
func (m Month) After(other Month) bool {
	return other.Before(m)
}

// String formats the month as MM-YYYY.
func (m Month) String() string {
	return fmt.Sprintf("%02d-%04d", m.Month, m.Year)
}

// DailyRecord is one day of normalized usage.
type DailyRecord struct {
	Date           Date    `json:"date"`
	ConsumptionKWH float64 `json:"consumption_kWh"`
	// Cost is nil when the provider did not report a cost and none could be
	// derived from the tariff table. It serializes as an explicit null so
	// readers can tell "unknown" from a dropped field.
	Cost *int64 `json:"cost"`
}

// MonthlyRecord is one billing month of normalized usage.
type MonthlyRecord struct {
	Year           int     `json:"year"`
	Month          int     `json:"month"`
	ConsumptionKWH float64 `json:"consumption_kWh"`
	Cost           int64   `json:"cost"`
	// InvoiceID is only set by providers that can issue more than one
	// invoice in a single month.
	InvoiceID string `json:"invoiceID,omitempty"`
}

// MonthlyKey identifies a monthly record for dedup purposes.
type MonthlyKey struct {
	Year      int
	Month     int
	InvoiceID string
}

// Key returns the identity used when merging monthly records.
func (r MonthlyRecord) Key() MonthlyKey {
	return MonthlyKey{Year: r.Year, Month: r.Month, InvoiceID: r.InvoiceID}
}

// MonthOf returns the calendar month of the record.
func (r MonthlyRecord) MonthOf() Month {
	return Month{Year: r.Year, Month: r.Month}
}

// SyncMetadata tracks the progress of the historical backfill.
type SyncMetadata struct {
	BackfillDone       bool      `json:"backfillDone"`
	BackfillInProgress bool      `json:"backfillInProgress"`
	LastSyncedAt       time.Time `json:"lastSyncedAt,omitempty"`
}

// HistoryDocument is the durable per-account history.
type HistoryDocument struct {
	Version    int             `json:"version"`
	CustomerID string          `json:"customerID"`
	Daily      []DailyRecord   `json:"daily"`
	Monthly    []MonthlyRecord `json:"monthly"`
	Sync       SyncMetadata    `json:"meta"`
}

// PaymentStatus describes the state of the latest bill.
type PaymentStatus string

const (
	PaymentStatusPaid        PaymentStatus = "paid"
	PaymentStatusUnpaid      PaymentStatus = "unpaid"
	PaymentStatusUnavailable PaymentStatus = "unavailable"
)

// Summary is the latest snapshot reported by a provider for an account.
type Summary struct {
	CustomerID string `json:"customerID"`

	// YesterdayKWH is the consumption of the latest complete day the
	// provider reported, which is usually but not always yesterday;
	// PreviousDayKWH is the day before that.
	TodayKWH       float64 `json:"todayKWH"`
	YesterdayKWH   float64 `json:"yesterdayKWH"`
	PreviousDayKWH float64 `json:"previousDayKWH"`
	MonthKWH       float64 `json:"monthKWH"`

	// FromDate through ToDate is the window the provider reported rows for.
	// ToDate is the day YesterdayKWH covers and PreviousDate the day
	// PreviousDayKWH covers; providers lag the calendar when readings come
	// in late. Zero when the provider exposes no row dates.
	FromDate     Date `json:"fromDate,omitzero"`
	ToDate       Date `json:"toDate,omitzero"`
	PreviousDate Date `json:"previousDate,omitzero"`

	// LatestIndex is the most recent cumulative meter reading, when the
	// provider exposes one; FirstIndex is the reading at the start of the
	// billing period.
	LatestIndex *float64 `json:"latestIndex,omitempty"`
	FirstIndex  *float64 `json:"firstIndex,omitempty"`

	PaymentStatus PaymentStatus `json:"paymentStatus"`
	// UnpaidAmount is only set when PaymentStatus is unpaid.
	UnpaidAmount int64 `json:"unpaidAmount,omitempty"`

	// PlannedOutage holds the provider's loadshedding notice, when supported.
	PlannedOutage string `json:"plannedOutage,omitempty"`

	FetchedAt time.Time `json:"fetchedAt"`
}
