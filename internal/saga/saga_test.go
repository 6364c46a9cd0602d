package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/apperr"
)

func recorder(log *[]string, name string, err error) func(context.Context) error {
	return func(context.Context) error {
		*log = append(*log, name)
		return err
	}
}

func TestRunCompensatesInReverse(t *testing.T) {
	var log []string
	cause := apperr.NotFound("repository")
	err := Saga{Name: "provision"}.Run(context.Background(),
		Step{Name: "app", Execute: recorder(&log, "create app", nil), Compensate: recorder(&log, "delete app", nil)},
		Step{Name: "row", Execute: recorder(&log, "insert row", nil)},
		Step{Name: "service", Execute: recorder(&log, "create service", nil), Compensate: recorder(&log, "delete service", nil)},
		Step{Name: "env", Execute: recorder(&log, "push env", cause), Compensate: recorder(&log, "never", nil)},
		Step{Name: "after", Execute: recorder(&log, "unreached", nil)},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, []string{"create app", "insert row", "create service", "push env", "delete service", "delete app"}, log)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "env", serr.Step)
	assert.Equal(t, []string{"service", "app"}, serr.Compensated)
	assert.Empty(t, serr.CompensationErrors)
}

func TestCompensationRunsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var compensatedWith error
	err := Saga{Name: "s"}.Run(ctx,
		Step{Name: "a", Execute: func(context.Context) error { return nil }, Compensate: func(c context.Context) error {
			compensatedWith = c.Err()
			return nil
		}},
		Step{Name: "b", Execute: func(context.Context) error { cancel(); return context.Canceled }},
	)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, compensatedWith)
}

func TestCompensationErrorsAreReported(t *testing.T) {
	var log []string
	err := Saga{Name: "s"}.Run(context.Background(),
		Step{Name: "a", Execute: recorder(&log, "a", nil), Compensate: recorder(&log, "undo a", errors.New("gone"))},
		Step{Name: "b", Execute: recorder(&log, "b", errors.New("boom"))},
	)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Len(t, serr.CompensationErrors, 1)
	assert.Equal(t, "a", serr.CompensationErrors[0].Step)
	assert.Contains(t, err.Error(), "compensation failed")
}

func TestRunSucceeds(t *testing.T) {
	var log []string
	err := Saga{}.Run(context.Background(), Step{Name: "a", Execute: recorder(&log, "a", nil), Compensate: recorder(&log, "undo", nil)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, log)
}
