package utils

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battle-system/models"
	"battle-system/services"
)

type fakeBucket struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (b *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if b.err != nil {
		return nil, b.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if b.objects == nil {
		b.objects = map[string][]byte{}
		b.types = map[string]string{}
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	b.objects[key] = body
	b.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestReplayKey(t *testing.T) {
	assert.Equal(t, "battles/abc/replay.json", ReplayKey("abc"))
}

func TestR2Archiver_ArchiveReplay(t *testing.T) {
	bucket := &fakeBucket{}
	archiver := &R2Archiver{client: bucket, bucket: "replays"}

	winner := "p1"
	replay := services.Replay{
		Session: models.BattleSession{
			ID:        "b-1",
			Player1ID: "p1",
			Player2ID: "p2",
			Status:    models.BattleStatusCompleted,
			WinnerID:  &winner,
		},
		Rounds:     []models.BattleRound{{BattleID: "b-1", RoundNumber: 1, P1Damage: 7}},
		ArchivedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, archiver.ArchiveReplay(context.Background(), replay))

	body, ok := bucket.objects["replays/battles/b-1/replay.json"]
	require.True(t, ok)
	assert.Equal(t, "application/json", bucket.types["replays/battles/b-1/replay.json"])

	var decoded services.Replay
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "b-1", decoded.Session.ID)
	require.Len(t, decoded.Rounds, 1)
	assert.Equal(t, 7, decoded.Rounds[0].P1Damage)
}

func TestR2Archiver_UploadFailure(t *testing.T) {
	archiver := &R2Archiver{client: &fakeBucket{err: eris.New("access denied")}, bucket: "replays"}
	err := archiver.ArchiveReplay(context.Background(), services.Replay{Session: models.BattleSession{ID: "b-2"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "battles/b-2/replay.json")
}
