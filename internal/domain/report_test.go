package domain_test

import (
	"testing"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestBucketFor(t *testing.T) {
	assert.Equal(t, domain.BucketCash, domain.BucketFor("cash"))
	assert.Equal(t, domain.BucketMobile, domain.BucketFor(" MOBILE "))
	assert.Equal(t, domain.BucketOther, domain.BucketFor("PIX"))
}

func TestAgingBucketFor(t *testing.T) {
	cases := map[int]string{
		1:   domain.Aging0To30,
		30:  domain.Aging0To30,
		31:  domain.Aging31To60,
		60:  domain.Aging31To60,
		61:  domain.Aging61To90,
		90:  domain.Aging61To90,
		91:  domain.AgingOver90,
		400: domain.AgingOver90,
	}
	for days, want := range cases {
		assert.Equal(t, want, domain.AgingBucketFor(days), "%d days", days)
	}
}

func TestAveragePayment(t *testing.T) {
	r := &domain.DailyFinancialReport{}
	assert.True(t, r.AveragePayment().IsZero())

	r.PaymentsCount = 3
	r.PaymentsTotal = dec("100.00")
	assert.Equal(t, "33.33", domain.FormatMoney(r.AveragePayment()))
}

func TestDayIn(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	ts := time.Date(2025, 1, 16, 1, 30, 0, 0, time.UTC)

	assert.Equal(t, date("2025-01-15"), domain.DayIn(ts, loc))
	assert.Equal(t, date("2025-01-16"), domain.DayIn(ts, nil))
	assert.Equal(t, 10, domain.DaysBetween(date("2025-01-05"), date("2025-01-15")))
}

func TestScopeAllowsStudent(t *testing.T) {
	assert.True(t, domain.FullScope.AllowsStudent("anyone"))
	s := domain.Scope{StudentIDs: []string{"s-1"}}
	assert.True(t, s.AllowsStudent("s-1"))
	assert.False(t, s.AllowsStudent("s-2"))
	assert.False(t, domain.Scope{}.AllowsStudent("s-1"))
}
