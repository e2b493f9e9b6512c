package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/care-attendance/attendance"
)

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// Amounts are the priced counterparts of Buckets.
type Amounts struct {
	Regular    decimal.Decimal
	Premium25  decimal.Decimal
	Premium100 decimal.Decimal
	Total      decimal.Decimal
}

func (a Amounts) Add(o Amounts) Amounts {
	return Amounts{
		Regular:    a.Regular.Add(o.Regular),
		Premium25:  a.Premium25.Add(o.Premium25),
		Premium100: a.Premium100.Add(o.Premium100),
		Total:      a.Total.Add(o.Total),
	}
}

func (a Amounts) Round(places int32) Amounts {
	return Amounts{
		Regular:    a.Regular.Round(places),
		Premium25:  a.Premium25.Round(places),
		Premium100: a.Premium100.Round(places),
		Total:      a.Total.Round(places),
	}
}

// PricedInterval is one work interval with its split and price.
type PricedInterval struct {
	Interval     attendance.WorkInterval
	LocalDate    attendance.Date
	Buckets      Buckets
	Rate         Rate
	Amounts      Amounts
	Conventioned decimal.Decimal // same buckets priced at the conventioned rate
}

// CaregiverSummary rolls up every interval of one caregiver.
type CaregiverSummary struct {
	Caregiver    string
	Intervals    int
	Buckets      Buckets
	Amounts      Amounts
	Conventioned decimal.Decimal
}

// Totals is the beneficiary-wide rollup.
type Totals struct {
	Intervals    int
	Buckets      Buckets
	Amounts      Amounts
	Conventioned decimal.Decimal
}

// Report is the aggregation result.
type Report struct {
	Lines             []PricedInterval
	Caregivers        []CaregiverSummary // sorted by caregiver name
	Totals            Totals
	FallbackIntervals int // intervals priced at the fallback rate
}

// PriceBuckets prices a split at hourly rate. Each bucket is priced
// separately from exact nanoseconds, so sums of priced intervals do not
// depend on the order they are added in.
func PriceBuckets(b Buckets, hourly decimal.Decimal) Amounts {
	price := func(d time.Duration, mult decimal.Decimal) decimal.Decimal {
		if d <= 0 {
			return decimal.Zero
		}
		return hourly.Mul(mult).Mul(decimal.NewFromInt(int64(d))).Div(nanosPerHour)
	}
	a := Amounts{
		Regular:    price(b.Regular, decimal.NewFromInt(1)),
		Premium25:  price(b.Premium25, Premium25Multiplier),
		Premium100: price(b.Premium100, Premium100Multiplier),
	}
	a.Total = a.Regular.Add(a.Premium25).Add(a.Premium100)
	return a
}

// Aggregate prices every interval with the rate in effect on its local start
// date and rolls the results up per caregiver and overall.
func Aggregate(intervals []attendance.WorkInterval, schedule *RateSchedule, splitter *Splitter, country string, loc *time.Location) Report {
	if loc == nil {
		loc = time.UTC
	}
	var report Report
	byCaregiver := make(map[string]*CaregiverSummary)

	for _, iv := range intervals {
		day := attendance.DateOf(iv.Start, loc)
		rate := schedule.RateFor(day)
		buckets := splitter.Split(iv, country, loc)
		line := PricedInterval{
			Interval:     iv,
			LocalDate:    day,
			Buckets:      buckets,
			Rate:         rate,
			Amounts:      PriceBuckets(buckets, rate.Billing),
			Conventioned: PriceBuckets(buckets, rate.Conventioned).Total,
		}
		report.Lines = append(report.Lines, line)
		if rate.Fallback {
			report.FallbackIntervals++
		}

		cs, ok := byCaregiver[iv.Caregiver]
		if !ok {
			cs = &CaregiverSummary{Caregiver: iv.Caregiver}
			byCaregiver[iv.Caregiver] = cs
		}
		cs.Intervals++
		cs.Buckets = cs.Buckets.Add(line.Buckets)
		cs.Amounts = cs.Amounts.Add(line.Amounts)
		cs.Conventioned = cs.Conventioned.Add(line.Conventioned)
	}

	for _, cs := range byCaregiver {
		report.Caregivers = append(report.Caregivers, *cs)
	}
	sort.Slice(report.Caregivers, func(i, j int) bool {
		return report.Caregivers[i].Caregiver < report.Caregivers[j].Caregiver
	})
	sort.SliceStable(report.Lines, func(i, j int) bool {
		return report.Lines[i].Interval.Start.Before(report.Lines[j].Interval.Start)
	})

	// Totals come from the caregiver summaries so both always agree.
	for _, cs := range report.Caregivers {
		report.Totals.Intervals += cs.Intervals
		report.Totals.Buckets = report.Totals.Buckets.Add(cs.Buckets)
		report.Totals.Amounts = report.Totals.Amounts.Add(cs.Amounts)
		report.Totals.Conventioned = report.Totals.Conventioned.Add(cs.Conventioned)
	}
	return report
}

// Rounded returns a copy with every amount rounded to cents. Use it for
// presentation only.
func (r Report) Rounded() Report {
	out := r
	out.Lines = make([]PricedInterval, len(r.Lines))
	for i, l := range r.Lines {
		l.Amounts = l.Amounts.Round(2)
		l.Conventioned = l.Conventioned.Round(2)
		out.Lines[i] = l
	}
	out.Caregivers = make([]CaregiverSummary, len(r.Caregivers))
	for i, cs := range r.Caregivers {
		cs.Amounts = cs.Amounts.Round(2)
		cs.Conventioned = cs.Conventioned.Round(2)
		out.Caregivers[i] = cs
	}
	out.Totals.Amounts = r.Totals.Amounts.Round(2)
	out.Totals.Conventioned = r.Totals.Conventioned.Round(2)
	return out
}
