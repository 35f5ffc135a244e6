package remote

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

func course(id string, lm int64, name string) models.Entity {
	return models.Entity{"id": id, "name": name, "lastModified": float64(lm)}
}

// exerciseEndpoint runs the behaviour every remote shares.
func exerciseEndpoint(t *testing.T, ep Endpoint) {
	t.Helper()
	ctx := context.Background()

	list, err := ep.Pull(ctx, models.CollectionCourses)
	require.NoError(t, err)
	assert.Empty(t, list)

	local := course("course-1", 100, "Pebble").WithSynced(false)
	require.NoError(t, ep.Push(ctx, models.CollectionCourses, queue.AddMutation{Entity: local}))
	// Re-adding identical content is accepted so a replayed add is harmless.
	require.NoError(t, ep.Push(ctx, models.CollectionCourses, queue.AddMutation{Entity: local}))
	assert.Error(t, ep.Push(ctx, models.CollectionCourses, queue.AddMutation{Entity: course("course-1", 200, "Other")}))

	require.NoError(t, ep.Push(ctx, models.CollectionCourses, queue.PutMutation{Entity: course("course-2", 300, "Augusta")}))
	require.NoError(t, ep.Push(ctx, models.CollectionCourses, queue.PutMutation{Entity: course("course-1", 400, "Pebble Beach")}))

	list, err = ep.Pull(ctx, models.CollectionCourses)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "course-1", list[0].ID())
	assert.Equal(t, "Pebble Beach", list[0]["name"])
	_, hasSynced := list[0][models.FieldSynced]
	assert.False(t, hasSynced, "synced is local-only")

	require.NoError(t, ep.Push(ctx, models.CollectionCourses, queue.DeleteMutation{ID: "course-1"}))
	require.NoError(t, ep.Push(ctx, models.CollectionCourses, queue.DeleteMutation{ID: "course-1"}))

	list, err = ep.Pull(ctx, models.CollectionCourses)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "course-2", list[0].ID())

	other, err := ep.Pull(ctx, models.CollectionRounds)
	require.NoError(t, err)
	assert.Empty(t, other)
}

// =====================================================
// Memory
// =====================================================

func TestMemory_endpoint(t *testing.T) {
	exerciseEndpoint(t, NewMemory())
}

func TestMemory_failureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	put := queue.PutMutation{Entity: course("c", 1, "x")}

	m.FailPushes(1)
	assert.Error(t, m.Push(ctx, "courses", put))
	assert.NoError(t, m.Push(ctx, "courses", put))
	assert.Equal(t, 2, m.Pushes())

	m.SetOffline(true)
	assert.ErrorIs(t, m.Push(ctx, "courses", put), ErrUnreachable)
	_, err := m.Pull(ctx, "courses")
	assert.ErrorIs(t, err, ErrUnreachable)
	m.SetOffline(false)

	boom := fmt.Errorf("boom")
	m.FailPull("rounds", boom)
	_, err = m.Pull(ctx, "rounds")
	assert.ErrorIs(t, err, boom)
	_, err = m.Pull(ctx, "courses")
	assert.NoError(t, err)
	m.FailPull("rounds", nil)
	_, err = m.Pull(ctx, "rounds")
	assert.NoError(t, err)
}

func TestMemory_seedAndEntity(t *testing.T) {
	m := NewMemory()
	m.Seed("courses", course("c", 1, "x").WithSynced(true))

	got := m.Entity("courses", "c")
	require.NotNil(t, got)
	assert.False(t, got.Synced())
	got["name"] = "mutated"
	assert.Equal(t, "x", m.Entity("courses", "c")["name"])
	assert.Nil(t, m.Entity("courses", "missing"))
}

func TestMemory_cancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory()
	assert.ErrorIs(t, m.Push(ctx, "courses", queue.DeleteMutation{ID: "x"}), context.Canceled)
	_, err := m.Pull(ctx, "courses")
	assert.ErrorIs(t, err, context.Canceled)
}

// =====================================================
// S3
// =====================================================

func TestS3_endpoint(t *testing.T) {
	exerciseEndpoint(t, NewS3MockForTests("fairway"))
}

func TestS3_keyLayout(t *testing.T) {
	s := NewS3MockForTests("/backups/")
	assert.Equal(t, "backups/rounds/round-1.json", s.key("rounds", "round-1"))
	assert.Equal(t, "backups/rounds/a%2Fb.json", s.key("rounds", "a/b"))

	bare := NewS3MockForTests("")
	assert.Equal(t, "rounds/", bare.collectionPrefix("rounds"))
}

func TestS3_idWithSlashRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := NewS3MockForTests("p")
	require.NoError(t, s.Push(ctx, "courses", queue.PutMutation{Entity: course("a/b", 1, "x")}))

	list, err := s.Pull(ctx, "courses")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a/b", list[0].ID())
}

func TestNewS3_requiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestResolveProvider(t *testing.T) {
	accountID := "0123456789abcdef0123456789abcdef"
	tests := []struct {
		name    string
		cfg     S3Config
		want    resolved
		wantErr bool
	}{
		{"aws default", S3Config{}, resolved{Endpoint: "https://s3.amazonaws.com", Region: "us-east-1"}, false},
		{"aws region", S3Config{Provider: ProviderAWS, Region: "eu-west-1"}, resolved{Endpoint: "https://s3.eu-west-1.amazonaws.com", Region: "eu-west-1"}, false},
		{"aws unknown region uses sdk", S3Config{Region: "me-south-1"}, resolved{Region: "me-south-1"}, false},
		{"aws explicit endpoint", S3Config{Endpoint: "https://example.test", PathStyle: true}, resolved{Endpoint: "https://example.test", Region: "us-east-1", PathStyle: true}, false},
		{"minio default", S3Config{Provider: ProviderMinIO}, resolved{Endpoint: "http://localhost:9000", Region: "us-east-1", PathStyle: true}, false},
		{"minio ssl", S3Config{Provider: "MinIO", Endpoint: "minio.lan:9000/", UseSSL: true}, resolved{Endpoint: "https://minio.lan:9000", Region: "us-east-1", PathStyle: true}, false},
		{"r2", S3Config{Provider: ProviderR2, AccountID: accountID}, resolved{Endpoint: "https://" + accountID + ".r2.cloudflarestorage.com", Region: "auto"}, false},
		{"r2 bad account", S3Config{Provider: ProviderR2, AccountID: "nope"}, resolved{}, true},
		{"unknown", S3Config{Provider: "gcs"}, resolved{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveProvider(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsValidR2AccountID(t *testing.T) {
	assert.True(t, IsValidR2AccountID("0123456789ABCDEF0123456789abcdef"))
	assert.False(t, IsValidR2AccountID("0123456789abcdef"))
	assert.False(t, IsValidR2AccountID("g123456789abcdef0123456789abcdef"))
}

// =====================================================
// Factory
// =====================================================

func TestNew_drivers(t *testing.T) {
	ctx := context.Background()

	ep, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, ep)

	ep, err = New(ctx, Config{Driver: DriverS3, S3: S3Config{Bucket: "b", Provider: ProviderMinIO}})
	require.NoError(t, err)
	assert.IsType(t, &S3{}, ep)

	_, err = New(ctx, Config{Driver: "ftp"})
	assert.Error(t, err)
}
