package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTriggerPoint(t *testing.T) {
	for _, tp := range AllTriggerPoints {
		got, err := ParseTriggerPoint(string(tp))
		require.NoError(t, err)
		assert.Equal(t, tp, got)
	}

	_, err := ParseTriggerPoint("checkout")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewLogicScript_Defaults(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := NewLogicScript(NewScriptInput{
		DistributorID: " t1 ",
		TriggerPoint:  "add_to_cart",
		Description:   "block customers on hold",
		ScriptContent: `!customer.on_hold`,
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "t1", s.DistributorID)
	assert.Equal(t, TriggerAddToCart, s.TriggerPoint)
	assert.True(t, s.Active)
	assert.Equal(t, now, s.CreatedAt)
	assert.Zero(t, s.ID)
	assert.Zero(t, s.SequenceOrder)
}

func TestNewLogicScript_Validation(t *testing.T) {
	cases := map[string]NewScriptInput{
		"unknown trigger": {DistributorID: "t1", TriggerPoint: "nope", ScriptContent: "true"},
		"empty content":   {DistributorID: "t1", TriggerPoint: "submit", ScriptContent: "   "},
		"empty tenant":    {DistributorID: "", TriggerPoint: "submit", ScriptContent: "true"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLogicScript(in, time.Now())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var vErr *ValidationError
			assert.ErrorAs(t, err, &vErr)
		})
	}
}

func TestScriptPatch(t *testing.T) {
	assert.ErrorIs(t, ScriptPatch{}.Validate(), ErrValidation)

	empty := ""
	assert.ErrorIs(t, ScriptPatch{ScriptContent: &empty}.Validate(), ErrValidation)

	inactive := false
	content := "false"
	p := ScriptPatch{Active: &inactive, ScriptContent: &content}
	require.NoError(t, p.Validate())

	s := &LogicScript{ID: 1, Active: true, ScriptContent: "true", Description: "keep"}
	p.Apply(s, time.Now())
	assert.False(t, s.Active)
	assert.Equal(t, "false", s.ScriptContent)
	assert.Equal(t, "keep", s.Description)
}

func TestValidateReorder(t *testing.T) {
	group := []*LogicScript{{ID: 1}, {ID: 2}, {ID: 3}}

	assert.NoError(t, ValidateReorder(group, []int64{3, 1, 2}))
	assert.NoError(t, ValidateReorder(nil, nil))

	for name, ids := range map[string][]int64{
		"partial":   {1, 2},
		"extra":     {1, 2, 3, 4},
		"duplicate": {1, 1, 2},
		"foreign":   {1, 2, 9},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateReorder(group, ids), ErrValidation)
		})
	}
}

func TestNotFoundError_Is(t *testing.T) {
	err := error(&NotFoundError{DistributorID: "t1", ID: 7})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "7")
}
