package evn

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evnsync/evnsync/pkg/log"
	"github.com/evnsync/evnsync/pkg/types"
)

const (
	fetchAttempts = 3
	fetchBackoff  = 500 * time.Millisecond
)

// decodeResponse maps the provider's HTTP status to a sentinel error and
// unmarshals the body into out. The providers use 400/401 interchangeably for
// bad credentials and expired sessions.
func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d", ErrInvalidAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return fmt.Errorf("%w: status %d", ErrNotSupported, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: status %d", ErrCannotConnect, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading body: %s", ErrCannotConnect, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return ErrEmpty
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownPayload, err)
	}
	return nil
}

// permanentFetchError reports whether retrying the request cannot help.
func permanentFetchError(err error) bool {
	return errors.Is(err, ErrInvalidAuth) ||
		errors.Is(err, ErrNotSupported) ||
		errors.Is(err, ErrEmpty)
}

// fetchWithRetries performs the request up to fetchAttempts times with a
// linear backoff, decoding the response into out. The build function is
// called per attempt since request bodies cannot be replayed.
func fetchWithRetries(client *http.Client, build func() (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return err
		}
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * fetchBackoff)
			select {
			case <-req.Context().Done():
				t.Stop()
				return req.Context().Err()
			case <-t.C:
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s", ErrCannotConnect, err)
			continue
		}
		err = decodeResponse(resp, out)
		if err == nil || permanentFetchError(err) {
			return err
		}
		lastErr = err
		log.Ctx(req.Context()).DebugContext(req.Context(), "retrying provider request",
			slog.String("url", req.URL.String()),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return lastErr
}

// parseNumber parses a numeric string that may carry comma thousands
// separators. It returns 0 on failure since the providers sometimes send
// empty strings for days without readings.
func parseNumber(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// parseVNDecimal parses a number formatted with dotted thousands separators
// and a comma decimal point ("1.234,5").
func parseVNDecimal(s string) float64 {
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	return parseNumber(s)
}

// parseMoney parses a VND amount with dotted thousands separators. It returns
// nil on failure: an unparseable amount is not the same as owing nothing.
func parseMoney(s string) *int64 {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ".", "")
	s = strings.TrimSuffix(s, "đ")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// wireDayLayout is how the providers format calendar days.
const wireDayLayout = "02/01/2006"

// parseWireDay parses a DD/MM/YYYY day, tolerating a leading "đến" range
// prefix some endpoints include.
func parseWireDay(s string) (types.Date, error) {
	if i := strings.LastIndex(s, "đến"); i >= 0 {
		s = s[i+len("đến"):]
	}
	s = strings.TrimSpace(s)
	t, err := time.ParseInLocation(wireDayLayout, s, vnLocation)
	if err != nil {
		return types.Date{}, fmt.Errorf("%w: parsing day %q: %s", ErrUnknownPayload, s, err)
	}
	return types.DateFromTime(t), nil
}

// formatWireDay formats a day as DD/MM/YYYY.
func formatWireDay(d types.Date) string {
	return d.Time(vnLocation).Format(wireDayLayout)
}

// billingPeriodStart returns the first day of the billing period containing
// today for the given start-of-cycle day.
func billingPeriodStart(today types.Date, startDay int) types.Date {
	if startDay < 1 {
		startDay = 1
	}
	d := types.Date{Year: today.Year, Month: today.Month, Day: startDay}
	if today.Day < startDay {
		m := types.Month{Year: today.Year, Month: today.Month}.Prev()
		d = types.Date{Year: m.Year, Month: m.Month, Day: startDay}
	}
	return d
}
