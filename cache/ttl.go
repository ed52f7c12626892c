package cache

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DataSource identifies the external provider a cached value came from.
// The constants cover the providers the sync layer talks to out of the box;
// callers may tag entries with their own source names as well.
type DataSource string

const (
	// SourceAMFI is the primary mutual fund NAV provider.
	SourceAMFI DataSource = "amfi"

	// SourceMFAPI is the fallback mutual fund NAV provider.
	SourceMFAPI DataSource = "mfapi"

	// SourceYahoo provides real-time equity prices.
	SourceYahoo DataSource = "yahoo"

	// SourceEPFO provides retirement fund balances.
	SourceEPFO DataSource = "epfo"
)

// MarketHours describes a recurring exchange trading window. The window
// applies Monday through Friday in Location; the open boundary is inclusive
// and the close boundary exclusive.
type MarketHours struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
	Location    *time.Location
}

// DefaultMarketHours returns the NSE trading window, 09:15 to 15:30 IST.
// The zone is a fixed UTC+05:30 offset so the default does not depend on
// the host having tzdata available.
func DefaultMarketHours() MarketHours {
	return MarketHours{
		OpenHour:    9,
		OpenMinute:  15,
		CloseHour:   15,
		CloseMinute: 30,
		Location:    time.FixedZone("IST", 5*3600+30*60),
	}
}

// IsOpen reports whether t falls inside the trading window. Weekends are
// always closed. A nil Location is interpreted as UTC.
func (m MarketHours) IsOpen(t time.Time) bool {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	open := m.OpenHour*60 + m.OpenMinute
	close := m.CloseHour*60 + m.CloseMinute
	return minute >= open && minute < close
}

// Validate checks that the window boundaries are well-formed and that the
// window closes after it opens.
func (m MarketHours) Validate() error {
	err := validation.ValidateStruct(&m,
		validation.Field(&m.OpenHour, validation.Min(0), validation.Max(23)),
		validation.Field(&m.OpenMinute, validation.Min(0), validation.Max(59)),
		validation.Field(&m.CloseHour, validation.Min(0), validation.Max(23)),
		validation.Field(&m.CloseMinute, validation.Min(0), validation.Max(59)),
	)
	if err != nil {
		return err
	}

	open := m.OpenHour*60 + m.OpenMinute
	close := m.CloseHour*60 + m.CloseMinute
	if close <= open {
		return validation.NewError("validation_market_window", "market close must be after open")
	}
	return nil
}

// TTLPolicy decides how long a value from a given source stays fresh.
//
// Sources listed in MarketOpen are treated as real-time: while the market is
// open they use the (much shorter) MarketOpen duration, and the predictive
// warming loop leaves them alone because live traffic refreshes them anyway.
// Every other source uses its PerSource duration, or Default when the source
// is not listed at all.
type TTLPolicy struct {
	Default    time.Duration
	PerSource  map[DataSource]time.Duration
	MarketOpen map[DataSource]time.Duration
	Market     MarketHours
}

// DefaultTTLPolicy returns the policy used by DefaultConfig: hourly NAV and
// price refreshes, a five minute price TTL while the market trades, and a
// daily EPFO balance TTL.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Default: 15 * time.Minute,
		PerSource: map[DataSource]time.Duration{
			SourceAMFI:  time.Hour,
			SourceMFAPI: time.Hour,
			SourceYahoo: time.Hour,
			SourceEPFO:  24 * time.Hour,
		},
		MarketOpen: map[DataSource]time.Duration{
			SourceYahoo: 5 * time.Minute,
		},
		Market: DefaultMarketHours(),
	}
}

func (p TTLPolicy) isZero() bool {
	return p.Default == 0 && p.PerSource == nil && p.MarketOpen == nil
}

// TTLFor returns the freshness duration for a value cached from source at
// the given instant.
func (p TTLPolicy) TTLFor(source DataSource, now time.Time) time.Duration {
	if d, ok := p.MarketOpen[source]; ok && p.Market.IsOpen(now) {
		return d
	}
	if d, ok := p.PerSource[source]; ok {
		return d
	}
	return p.Default
}

// Realtime reports whether source carries a market-hours TTL. The signal is
// independent of whether the market is open right now; callers combine it
// with Market.IsOpen when both matter.
func (p TTLPolicy) Realtime(source DataSource) bool {
	_, ok := p.MarketOpen[source]
	return ok
}

// Validate checks that every configured duration is positive and the market
// window is well-formed.
func (p TTLPolicy) Validate() error {
	if p.Default <= 0 {
		return validation.NewError("validation_ttl_default", "default TTL must be positive")
	}
	for source, d := range p.PerSource {
		if d <= 0 {
			return validation.NewError("validation_ttl_source", "TTL for source "+string(source)+" must be positive")
		}
	}
	for source, d := range p.MarketOpen {
		if d <= 0 {
			return validation.NewError("validation_ttl_market", "market-hours TTL for source "+string(source)+" must be positive")
		}
	}
	return p.Market.Validate()
}
