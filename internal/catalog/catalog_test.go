package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	ids []int64
	err error
	calls int
}

func (f *fakeSource) List(ctx context.Context) ([]int64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}

func TestMirror_ActiveStreams_ColdStartFallsBackToSource(t *testing.T) {
	src := &fakeSource{ids: []int64{1, 2, 3}}
	m := NewMirror(src, nil, Config{}, nil, nil)

	ids, err := m.ActiveStreams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.Equal(t, 1, src.calls)
}

func TestMirror_ActiveStreams_ServesFromCacheAfterRefresh(t *testing.T) {
	src := &fakeSource{ids: []int64{5}}
	m := NewMirror(src, nil, Config{}, nil, nil)

	require.NoError(t, m.Refresh(context.Background()))
	src.ids = []int64{9, 9, 9} // mutate the source; cache should not see this

	ids, err := m.ActiveStreams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)
	assert.Equal(t, 1, src.calls)
}

func TestMirror_ActiveStreams_EmptyCatalogIsNotTreatedAsUnloaded(t *testing.T) {
	src := &fakeSource{ids: []int64{}}
	m := NewMirror(src, nil, Config{}, nil, nil)

	require.NoError(t, m.Refresh(context.Background()))
	_, err := m.ActiveStreams(context.Background())
	require.NoError(t, err)
	_, err = m.ActiveStreams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "a second ActiveStreams call must not re-hit Source once loaded, even with an empty catalog")
}

func TestMirror_Refresh_PropagatesSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("upstream unavailable")}
	m := NewMirror(src, nil, Config{}, nil, nil)

	err := m.Refresh(context.Background())
	assert.Error(t, err)
}

func TestConfig_DefaultsCacheTTLToTwiceRefreshInterval(t *testing.T) {
	c := Config{RefreshInterval: 0}
	assert.Equal(t, 5*60, int(c.refreshInterval().Seconds()))
	assert.Equal(t, 10*60, int(c.cacheTTL().Seconds()))
}
