// Package cron fires scheduled recipes. Expressions are standard 5-field
// cron (plus @hourly style descriptors), evaluated in the schedule's IANA
// timezone.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"

	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
)

// ErrInvalidCronExpression is returned for a malformed expression or an
// unknown timezone.
var ErrInvalidCronExpression = errors.New("invalid cron expression")

// Parse validates expr and tz and returns the parsed schedule and location.
// An empty tz means UTC.
func Parse(expr, tz string) (robfig.Schedule, *time.Location, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil, fmt.Errorf("%w: expression is empty", ErrInvalidCronExpression)
	}
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return nil, nil, fmt.Errorf("%w: set the timezone on the schedule, not in the expression", ErrInvalidCronExpression)
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidCronExpression, tz)
	}
	sched, err := robfig.ParseStandard(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q: %v", ErrInvalidCronExpression, expr, err)
	}
	return sched, loc, nil
}

// NextRunAfter returns the first activation of expr in tz strictly after
// from, in UTC.
func NextRunAfter(expr, tz string, from time.Time) (time.Time, error) {
	sched, loc, err := Parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCronExpression, expr)
	}
	return next.UTC(), nil
}

// NewSchedule builds a validated schedule whose first run is the next
// activation after now.
func NewSchedule(ownerID, recipeID, expr, tz string, now time.Time) (*recipe.Schedule, error) {
	if tz == "" {
		tz = "UTC"
	}
	next, err := NextRunAfter(expr, tz, now)
	if err != nil {
		return nil, err
	}
	return &recipe.Schedule{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		RecipeID:   recipeID,
		Expression: strings.TrimSpace(expr),
		Timezone:   tz,
		Enabled:    true,
		NextRunAt:  next,
		CreatedAt:  now.UTC(),
	}, nil
}
