package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/apperr"
)

type createInput struct {
	ProjectID string `json:"project_id" validate:"required"`
	Team      string `json:"team" validate:"required,oneof=frontend backend"`
}

func TestValidateReportsJSONFieldNames(t *testing.T) {
	err := Validate(createInput{Team: "design"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))

	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 2)
	assert.Equal(t, "project_id", verr.Fields[0].Field)
	assert.Equal(t, "required", verr.Fields[0].Rule)
	assert.Equal(t, "team", verr.Fields[1].Field)
	assert.Equal(t, "oneof", verr.Fields[1].Rule)

	assert.NoError(t, Validate(createInput{ProjectID: "p1", Team: TeamBackend}))
}

func TestEnvironmentVariableTags(t *testing.T) {
	assert.NoError(t, Validate(EnvironmentVariable{Key: "NODE_ENV", Value: "production", Type: EnvTypePlain, Target: []string{TargetProduction}}))
	assert.Error(t, Validate(EnvironmentVariable{Key: "NODE_ENV", Target: []string{"staging"}}))
	assert.Error(t, Validate(EnvironmentVariable{Value: "x"}))
}

func TestTaskOwnershipEmailsDeduplicates(t *testing.T) {
	o := TaskOwnership{Users: []User{{Email: "a@x.io"}, {Email: ""}, {Email: "b@x.io"}, {Email: "a@x.io"}}}
	assert.Equal(t, []string{"a@x.io", "b@x.io"}, o.Emails())
}

func TestResourceNaming(t *testing.T) {
	assert.Equal(t, "7f3c2a10", ShortID("7f3c2a10-1111-2222-3333-444455556666"))
	assert.Equal(t, "abc", ShortID("ABC"))
	assert.Equal(t, "nestjs-api_p1", RepositoryName("nestjs-api", "p1"))
}
