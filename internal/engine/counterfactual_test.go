package engine

import (
	"context"
	"testing"

	"github.com/Veraticus/tally/internal/llm"
	"github.com/Veraticus/tally/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterfactual_ClientDinner(t *testing.T) {
	primary := llm.NewMockClient("openai")
	primary.Respond = replyFor("restaurant", "Meals & Entertainment", 0.9)
	env := newTestEnv(t, primary, llm.NewMockClient("gemini"))
	ctx := context.Background()

	res, err := env.engine.Counterfactual(ctx, model.CounterfactualRequest{
		Description: "Dinner at restaurant",
		Modifier:    "client dinner",
	})
	require.NoError(t, err)

	assert.Equal(t, "Meals & Entertainment", res.OriginalCategory)
	assert.Equal(t, "Meals & Entertainment", res.NewCategory)
	assert.False(t, res.Changed)
	assert.Equal(t, []string{"client"}, res.TriggerWords)
	assert.Contains(t, res.AnalysisSummary, "did not change")
	require.NotNil(t, res.Original)
	require.NotNil(t, res.Modified)

	calls := primary.Calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[len(calls)-1].Prompt, "Dinner at restaurant (client dinner)")

	_, err = env.store.Get(ctx, res.Original.Evidence.MerchantNormalized)
	assert.Error(t, err, "counterfactuals never write merchant memory")
}

func TestCounterfactual_Changed(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai", llm.Reply("Contractors", 0.9)), llm.NewMockClient("gemini"))

	res, err := env.engine.Counterfactual(context.Background(), model.CounterfactualRequest{
		Description: "ACME CONSULTING",
		Modifier:    "uber ride",
	})
	require.NoError(t, err)

	assert.Equal(t, "Contractors", res.OriginalCategory)
	assert.Equal(t, "Travel", res.NewCategory)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"uber", "ride"}, res.TriggerWords)
	assert.Contains(t, res.AnalysisSummary, "likely triggers: uber, ride")
	assert.Equal(t, model.SourceRules, res.Modified.Source)
}

func TestCounterfactual_Validation(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai"), llm.NewMockClient("gemini"))
	ctx := context.Background()

	_, err := env.engine.Counterfactual(ctx, model.CounterfactualRequest{Modifier: "x"})
	assert.ErrorIs(t, err, ErrEmptyDescription)

	_, err = env.engine.Counterfactual(ctx, model.CounterfactualRequest{Description: "x", Modifier: " "})
	assert.ErrorIs(t, err, ErrEmptyModifier)
}

func TestTriggerWords(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		modifier string
		want     []string
	}{
		{name: "new token", base: "Dinner at restaurant", modifier: "client dinner", want: []string{"client"}},
		{name: "nothing new", base: "Dinner at restaurant", modifier: "DINNER", want: []string{}},
		{name: "boilerplate dropped", base: "Coffee", modifier: "POS purchase 1234", want: []string{}},
		{name: "pii dropped", base: "Lunch", modifier: "team a@b.io", want: []string{"team"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TriggerWords(tt.base, tt.modifier))
		})
	}
}

func TestAugment(t *testing.T) {
	assert.Equal(t, "Dinner at restaurant (client dinner)", Augment("Dinner at restaurant", "client dinner"))
}
