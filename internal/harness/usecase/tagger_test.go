package usecase_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/usecase"
)

func TestNewRunID_IsUniqueWithoutDashes(t *testing.T) {
	a, b := usecase.NewRunID(), usecase.NewRunID()
	assert.Len(t, a, 32)
	assert.NotContains(t, a, "-")
	assert.NotEqual(t, a, b)
}

func TestIdentityTagger_Tag(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tagger := usecase.NewIdentityTagger("run1",
		usecase.WithTTL(time.Hour),
		usecase.WithNow(func() time.Time { return now }))

	in := model.MustFields(map[string]interface{}{"foo": "bar", "testId": "spoofed"})
	out := tagger.Tag(in)

	assert.Equal(t, "run1", out["testId"].StringValue())
	assert.Equal(t, now.Add(time.Hour), out["expireAt"].TimestampValue())
	assert.Equal(t, "bar", out["foo"].StringValue())
	assert.Equal(t, "spoofed", in["testId"].StringValue(), "input must not be modified")
}

func TestIdentityTagger_CustomFields(t *testing.T) {
	tagger := usecase.NewIdentityTagger("", usecase.WithBookkeepingFields("runId", "ttl"), usecase.WithTTL(0))

	assert.NotEmpty(t, tagger.RunID())
	assert.Equal(t, "runId", tagger.RunIDField())
	assert.Equal(t, "ttl", tagger.ExpireAtField())
	assert.Equal(t, usecase.DefaultDocumentTTL, tagger.TTL())

	out, err := tagger.TagNative(map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Contains(t, out, "runId")
	assert.Contains(t, out, "ttl")
}

func TestIdentityTagger_KeysAndStrip(t *testing.T) {
	tagger := usecase.NewIdentityTagger("abc")

	id := tagger.DocumentID("user1")
	assert.Equal(t, "user1abc", id)
	assert.Equal(t, "user1", tagger.Key(id))
	assert.True(t, tagger.Owns(id))
	assert.False(t, tagger.Owns("user1xyz"))
	assert.False(t, tagger.Owns("abc"))

	tagged := model.NewDocument("c/"+id, tagger.Tag(model.MustFields(map[string]interface{}{"foo": "bar"})))
	tagged.UpdateTime = time.Now()
	stripped := tagger.Strip(tagged)

	assert.Equal(t, []string{"foo"}, model.Map(stripped.Fields).SortedKeys())
	assert.Equal(t, tagged.Path, stripped.Path)
	assert.Equal(t, tagged.UpdateTime, stripped.UpdateTime)
	assert.Len(t, tagged.Fields, 3, "strip must not modify its input")
	assert.Nil(t, tagger.Strip(nil))
	assert.Len(t, tagger.StripAll([]*model.Document{tagged, tagged}), 2)
}
